// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// ResetResult reports what an administrative reset did.
type ResetResult struct {
	Cleared int `json:"cleared"`
	Seeded  int `json:"seeded"`
}

// SeederOptions configures a Seeder.
type SeederOptions struct {
	// Collection to wipe and reseed. Default: store.CollectionUsage
	Collection string

	// DatasetPath is a JSON array of historical entries. Empty seeds nothing.
	DatasetPath string

	// Rules overrides DefaultRules for normalizing dataset entries.
	Rules []Rule

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Seeder wipes the primary usage collection and reloads it from the
// historical dataset.
type Seeder struct {
	store   store.Store
	opts    SeederOptions
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSeeder creates a Seeder.
func NewSeeder(st store.Store, opts SeederOptions) *Seeder {
	if opts.Collection == "" {
		opts.Collection = store.CollectionUsage
	}
	if len(opts.Rules) == 0 {
		opts.Rules = DefaultRules
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{store: st, opts: opts, logger: logger, metrics: opts.Metrics}
}

// Reset wipes the collection and appends the dataset in chronological order.
//
// Each dataset element is normalized with the merge rules and written in
// nested form, so key order equals timestamp order and the newest seeded
// record becomes the fold target of the next accumulate. A missing dataset
// file is logged and seeds nothing.
func (s *Seeder) Reset(ctx context.Context) (ResetResult, error) {
	const op = "usage.Reset"

	records, err := s.loadDataset()
	if err != nil {
		s.metrics.RecordReset(false)
		return ResetResult{}, apperr.Wrap(apperr.KindValidation, op, err)
	}

	cleared, err := s.store.Reset(ctx, s.opts.Collection)
	if err != nil {
		s.metrics.RecordReset(false)
		return ResetResult{}, apperr.Wrap(apperr.KindStore, op, err)
	}

	result := ResetResult{Cleared: cleared}
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			s.metrics.RecordReset(false)
			return result, apperr.Wrap(apperr.KindStore, op, fmt.Errorf("encode seed record: %w", err))
		}
		if _, err := s.store.Append(ctx, s.opts.Collection, payload); err != nil {
			s.metrics.RecordReset(false)
			return result, apperr.Wrap(apperr.KindStore, op, err)
		}
		result.Seeded++
	}

	s.metrics.RecordReset(true)
	s.logger.Info("usage collection reset",
		slog.String("collection", s.opts.Collection),
		slog.Int("cleared", result.Cleared),
		slog.Int("seeded", result.Seeded),
	)
	return result, nil
}

// loadDataset reads and normalizes the dataset, sorted by timestamp.
func (s *Seeder) loadDataset() ([]Record, error) {
	if s.opts.DatasetPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.opts.DatasetPath)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("historical dataset not found, seeding nothing", slog.String("path", s.opts.DatasetPath))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", s.opts.DatasetPath, err)
	}

	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsArray() {
		return nil, fmt.Errorf("dataset %s must be a JSON array", s.opts.DatasetPath)
	}

	type seeded struct {
		at  int64
		rec Record
	}
	var rows []seeded
	gjson.ParseBytes(data).ForEach(func(_, value gjson.Result) bool {
		found := Normalize([]byte(value.Raw), s.opts.Rules)
		if len(found) == 0 {
			return true
		}
		row := seeded{}
		if e, ok := found[QuantityElectricity]; ok {
			row.rec.Electricity = &e
			row.at = e.Timestamp
		}
		if g, ok := found[QuantityGas]; ok {
			row.rec.Gas = &g
			if row.rec.Electricity == nil || g.Timestamp < row.at {
				row.at = g.Timestamp
			}
		}
		rows = append(rows, row)
		return true
	})

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at < rows[j].at })

	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = row.rec
	}
	return out, nil
}
