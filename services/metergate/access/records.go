// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// =============================================================================
// Capture
// =============================================================================

// CaptureStore reads and writes the latest capture cell.
type CaptureStore struct {
	store store.Store
}

// NewCaptureStore creates a CaptureStore.
func NewCaptureStore(st store.Store) *CaptureStore {
	return &CaptureStore{store: st}
}

// Latest returns the current capture. found is false when nothing was
// captured yet or the stored document is unreadable.
func (c *CaptureStore) Latest(ctx context.Context) (profile CaptureProfile, found bool, err error) {
	raw, err := c.store.Get(ctx, store.CollectionCapture, store.KeyCaptureLatest)
	if errors.Is(err, store.ErrNotFound) {
		return CaptureProfile{}, false, nil
	}
	if err != nil {
		return CaptureProfile{}, false, err
	}
	if err := json.Unmarshal(raw, &profile); err != nil {
		return CaptureProfile{}, false, nil
	}
	return profile, true, nil
}

// Write replaces the capture. Both fields are required.
func (c *CaptureStore) Write(ctx context.Context, profile CaptureProfile) error {
	const op = "access.WriteCapture"
	if !profile.Complete() {
		return apperr.New(apperr.KindValidation, op, "image_url and audio_level are required")
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, op, err)
	}
	if err := c.store.Put(ctx, store.CollectionCapture, store.KeyCaptureLatest, raw); err != nil {
		return apperr.Wrap(apperr.KindStore, op, err)
	}
	return nil
}

// =============================================================================
// Decision cell
// =============================================================================

// DecisionCell is the shared last-writer-wins access state.
type DecisionCell struct {
	store store.Store
	now   func() time.Time
}

// NewDecisionCell creates a DecisionCell. A nil now uses time.Now.
func NewDecisionCell(st store.Store, now func() time.Time) *DecisionCell {
	if now == nil {
		now = time.Now
	}
	return &DecisionCell{store: st, now: now}
}

// Set overwrites the decision.
func (d *DecisionCell) Set(ctx context.Context, result Result) error {
	raw, err := json.Marshal(DecisionState{State: result, UpdatedAt: d.now().UnixMilli()})
	if err != nil {
		return err
	}
	return d.store.Put(ctx, store.CollectionAccess, store.KeyAccessDecision, raw)
}

// Current returns the decision, or apperr.KindNotFound before the first one.
func (d *DecisionCell) Current(ctx context.Context) (DecisionState, error) {
	const op = "access.CurrentDecision"
	raw, err := d.store.Get(ctx, store.CollectionAccess, store.KeyAccessDecision)
	if errors.Is(err, store.ErrNotFound) {
		return DecisionState{}, apperr.New(apperr.KindNotFound, op, "no decision recorded yet")
	}
	if err != nil {
		return DecisionState{}, apperr.Wrap(apperr.KindStore, op, err)
	}
	var state DecisionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return DecisionState{}, apperr.Wrap(apperr.KindStore, op, fmt.Errorf("decode decision: %w", err))
	}
	return state, nil
}

// =============================================================================
// Audit log
// =============================================================================

// AuditLog appends access log entries and forwards them to a sink.
type AuditLog struct {
	store   store.Store
	sink    AuditSink
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAuditLog creates an AuditLog. A nil sink uses NopAuditSink.
func NewAuditLog(st store.Store, sink AuditSink, logger *slog.Logger, metrics *observability.Metrics) *AuditLog {
	if sink == nil {
		sink = NopAuditSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{store: st, sink: sink, logger: logger, metrics: metrics}
}

// Append stores the entry, then publishes it. Only the store write can
// fail the call; sink errors are logged and counted.
func (a *AuditLog) Append(ctx context.Context, entry AuditEntry) (store.Key, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	key, err := a.store.Append(ctx, store.CollectionAccessLog, raw)
	if err != nil {
		return "", err
	}

	if err := a.sink.Publish(ctx, entry); err != nil {
		a.metrics.RecordAuditSinkError()
		a.logger.Warn("audit sink publish failed",
			slog.String("key", string(key)),
			slog.String("user_id", entry.UserID),
			slog.String("error", err.Error()),
		)
	}
	return key, nil
}

// Recent returns up to n entries, newest first.
func (a *AuditLog) Recent(ctx context.Context, n int) ([]AuditEntry, error) {
	records, err := a.store.ReadLatest(ctx, store.CollectionAccessLog, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "access.RecentAudit", err)
	}
	out := make([]AuditEntry, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		var entry AuditEntry
		if err := json.Unmarshal(records[i].Value, &entry); err != nil {
			a.logger.Warn("skipping unreadable audit entry", slog.String("key", string(records[i].Key)))
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
