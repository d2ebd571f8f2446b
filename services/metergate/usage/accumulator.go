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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// DefaultMaxAbstainRetries bounds how often Accumulate restarts after its
// target record vanished under it.
const DefaultMaxAbstainRetries = 3

// AccumulatorOptions configures an Accumulator. The zero value is usable.
type AccumulatorOptions struct {
	// Collection holds the usage records. Default: store.CollectionUsage
	Collection string

	// MaxAbstainRetries bounds whole-operation restarts. Default: 3
	MaxAbstainRetries int

	// Now returns the fold time. Default: time.Now
	Now func() time.Time

	// Logger for accumulation events. Default: slog.Default()
	Logger *slog.Logger

	// Metrics records accumulate outcomes. Optional.
	Metrics *observability.Metrics
}

// Accumulator folds readings into the latest usage record.
//
// # Description
//
// Accumulate reads the newest record by key order. An empty collection gets
// a fresh record; otherwise the reading is added into the newest record via
// the store's optimistic TransactUpdate. Which record is "current" is
// decided by whoever appends records, so the accumulator carries no notion
// of billing periods.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent folds against one record are
// linearized by the store, never by a lock here.
type Accumulator struct {
	store      store.Store
	collection string
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewAccumulator creates an Accumulator over st.
func NewAccumulator(st store.Store, opts AccumulatorOptions) *Accumulator {
	if opts.Collection == "" {
		opts.Collection = store.CollectionUsage
	}
	if opts.MaxAbstainRetries <= 0 {
		opts.MaxAbstainRetries = DefaultMaxAbstainRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Accumulator{
		store:      st,
		collection: opts.Collection,
		maxRetries: opts.MaxAbstainRetries,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Accumulate folds r into the latest record, or creates the first one.
//
// # Outputs
//
//   - Result: Accumulated=false with the new key when a record was
//     created, Accumulated=true with the existing key after a fold.
//   - error: apperr.KindValidation for a reading with no finite value,
//     apperr.KindConflict when every attempt abstained or lost its commit
//     races (nothing was written, safe to resubmit), apperr.KindStore for
//     store failures.
func (a *Accumulator) Accumulate(ctx context.Context, r Reading) (Result, error) {
	const op = "usage.Accumulate"

	if !r.Valid() {
		return Result{}, apperr.New(apperr.KindValidation, op, "reading has no finite value")
	}

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		latest, err := a.store.ReadLatest(ctx, a.collection, 1)
		if err != nil {
			a.metrics.RecordAccumulate(observability.OutcomeError)
			return Result{}, apperr.Wrap(apperr.KindStore, op, err)
		}

		var key store.Key
		if len(latest) == 0 {
			created, isNew, err := a.create(ctx, r)
			if errors.Is(err, store.ErrTooManyConflicts) {
				if a.abstain(ctx, "", attempt) {
					continue
				}
				break
			}
			if err != nil {
				a.metrics.RecordAccumulate(observability.OutcomeError)
				return Result{}, apperr.Wrap(apperr.KindStore, op, err)
			}
			if isNew {
				a.metrics.RecordAccumulate(observability.OutcomeCreated)
				a.logger.Info("usage record created", slog.String("key", string(created)))
				return Result{Accumulated: false, Key: created}, nil
			}
			// Another writer created the first record; fold into it.
			key = created
		} else {
			key = latest[0].Key
		}

		outcome, err := a.Fold(ctx, key, r)
		if errors.Is(err, store.ErrTooManyConflicts) {
			if a.abstain(ctx, key, attempt) {
				continue
			}
			break
		}
		if err != nil {
			a.metrics.RecordAccumulate(observability.OutcomeError)
			return Result{}, apperr.Wrap(apperr.KindStore, op, err)
		}
		if outcome == store.OutcomeApplied {
			a.metrics.RecordAccumulate(observability.OutcomeFolded)
			a.logger.Debug("reading folded", slog.String("key", string(key)))
			return Result{Accumulated: true, Key: key}, nil
		}

		a.abstain(ctx, key, attempt)
	}

	return Result{}, apperr.New(apperr.KindConflict, op,
		fmt.Sprintf("no effect after %d attempts, safe to resubmit", a.maxRetries))
}

// abstain records an attempt that changed nothing and reports whether
// another attempt may start.
func (a *Accumulator) abstain(ctx context.Context, key store.Key, attempt int) bool {
	a.metrics.RecordAccumulate(observability.OutcomeAbstained)
	a.logger.Debug("accumulate attempt had no effect",
		slog.String("key", string(key)),
		slog.Int("attempt", attempt),
	)
	return ctx.Err() == nil
}

// Fold adds r into the record at key.
//
// It returns store.OutcomeAborted, with no side effect, when the record is
// absent or empty at transaction time. Every reported field gets the fold
// time as its timestamp.
func (a *Accumulator) Fold(ctx context.Context, key store.Key, r Reading) (store.Outcome, error) {
	at := a.now().UnixMilli()
	return a.store.TransactUpdate(ctx, a.collection, key, func(current []byte) ([]byte, error) {
		return foldRecord(current, r, at)
	})
}

// create appends the first record unless another writer got there first,
// in which case it returns that record's key and false.
func (a *Accumulator) create(ctx context.Context, r Reading) (store.Key, bool, error) {
	at := a.now().UnixMilli()
	var rec Record
	if finitePtr(r.Electricity) {
		rec.Electricity = &Measurement{Value: *r.Electricity, Timestamp: at}
	}
	if finitePtr(r.Gas) {
		rec.Gas = &Measurement{Value: *r.Gas, Timestamp: at}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("encode usage record: %w", err)
	}
	return a.store.CreateIfEmpty(ctx, a.collection, payload)
}

// foldRecord is the pure update applied inside the transaction. A nil
// result aborts. Fields other than the folded quantities are preserved.
func foldRecord(current []byte, r Reading, at int64) ([]byte, error) {
	trimmed := bytes.TrimSpace(current)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode usage record: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	apply := func(q Quantity, incoming *float64) {
		if !finitePtr(incoming) {
			return
		}
		sum := existingValue(fields[string(q)]).Add(decimal.NewFromFloat(*incoming))
		fields[string(q)] = json.RawMessage(fmt.Sprintf(`{"value":%s,"timestamp":%d}`, sum.String(), at))
	}
	apply(QuantityElectricity, r.Electricity)
	apply(QuantityGas, r.Gas)

	return json.Marshal(fields)
}

// existingValue returns the stored value of a nested measurement, or zero
// when the field is absent or not a finite number.
func existingValue(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}
	res := gjson.GetBytes(raw, "value")
	switch res.Type {
	case gjson.Number:
		if d, err := decimal.NewFromString(res.Raw); err == nil {
			return d
		}
	case gjson.String:
		if v, ok := numeric(res); ok {
			return decimal.NewFromFloat(v)
		}
	}
	return decimal.Zero
}
