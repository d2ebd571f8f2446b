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
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// Source yields raw entries for the merge path.
type Source interface {
	// Name labels the source in logs and metrics.
	Name() string

	// Entries returns the source's raw JSON entries in source order.
	Entries(ctx context.Context) ([][]byte, error)
}

// CollectionSource reads every record of one store collection.
type CollectionSource struct {
	Store      store.Store
	Collection string
}

// Name implements Source.
func (s CollectionSource) Name() string { return s.Collection }

// Entries implements Source. An absent collection yields no entries.
func (s CollectionSource) Entries(ctx context.Context) ([][]byte, error) {
	records, err := s.Store.ReadAll(ctx, s.Collection)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(records))
	for i, rec := range records {
		out[i] = rec.Value
	}
	return out, nil
}

// MergeOptions configures a MergeReader.
type MergeOptions struct {
	// Rules overrides DefaultRules.
	Rules []Rule

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// MergeReader combines a primary source with auxiliary sources into one
// report.
//
// # Thread Safety
//
// Safe for concurrent use; no state is kept between calls.
type MergeReader struct {
	rules   []Rule
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewMergeReader creates a MergeReader.
func NewMergeReader(opts MergeOptions) *MergeReader {
	if len(opts.Rules) == 0 {
		opts.Rules = DefaultRules
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MergeReader{rules: opts.Rules, logger: opts.Logger, metrics: opts.Metrics}
}

// Merge reads all sources concurrently and returns each quantity sorted
// ascending by timestamp.
//
// # Description
//
// Entries are concatenated primary first, then each auxiliary source in
// argument order; the stable sort keeps that order among equal timestamps.
// No de-duplication is done across sources.
//
// # Outputs
//
//   - Usage: Never-nil electricity and gas sequences.
//   - error: apperr.KindStore when the primary source fails. A failing
//     auxiliary source is logged, counted, and read as empty.
func (m *MergeReader) Merge(ctx context.Context, primary Source, auxiliary ...Source) (Usage, error) {
	const op = "usage.Merge"

	results := make([][][]byte, 1+len(auxiliary))

	var g errgroup.Group
	g.Go(func() error {
		entries, err := primary.Entries(ctx)
		if err != nil {
			return apperr.Wrap(apperr.KindStore, op, err)
		}
		results[0] = entries
		return nil
	})
	for i, src := range auxiliary {
		g.Go(func() error {
			entries, err := src.Entries(ctx)
			if err != nil {
				m.metrics.RecordDegraded(src.Name())
				m.logger.Warn("auxiliary usage source degraded",
					slog.String("source", src.Name()),
					slog.String("kind", string(apperr.KindDegraded)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i+1] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Usage{}, err
	}

	out := Usage{Electricity: []Measurement{}, Gas: []Measurement{}}
	for _, entries := range results {
		for _, raw := range entries {
			found := Normalize(raw, m.rules)
			if e, ok := found[QuantityElectricity]; ok {
				out.Electricity = append(out.Electricity, e)
			}
			if gm, ok := found[QuantityGas]; ok {
				out.Gas = append(out.Gas, gm)
			}
		}
	}

	sortByTimestamp(out.Electricity)
	sortByTimestamp(out.Gas)
	return out, nil
}

func sortByTimestamp(ms []Measurement) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Timestamp < ms[j].Timestamp })
}
