// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package access

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	mgbadger "github.com/AleutianAI/MeterGate/services/metergate/storage/badger"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

func newTestStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	db, err := mgbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewBadgerStore(db, store.BadgerOptions{})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func f64(v float64) *float64 { return &v }

// MockVerifier is a Verifier backed by a func field.
type MockVerifier struct {
	VerifyFunc func(ctx context.Context, req VerifyRequest) (VerifyResult, error)

	mu       sync.Mutex
	Requests []VerifyRequest
}

func (m *MockVerifier) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, req)
	}
	return VerifyResult{}, errors.New("no verifier configured")
}

// MockAuditSink records published entries and optionally fails.
type MockAuditSink struct {
	PublishFunc func(ctx context.Context, entry AuditEntry) error

	mu        sync.Mutex
	Published []AuditEntry
	Closed    bool
}

func (m *MockAuditSink) Publish(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	m.Published = append(m.Published, entry)
	m.mu.Unlock()
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, entry)
	}
	return nil
}

func (m *MockAuditSink) Close() error {
	m.Closed = true
	return nil
}

// decisionFailingStore fails every write to the decision cell.
type decisionFailingStore struct {
	store.Store
}

func (s decisionFailingStore) Put(ctx context.Context, collection string, key store.Key, payload []byte) error {
	if collection == store.CollectionAccess {
		return errors.New("decision cell unavailable")
	}
	return s.Store.Put(ctx, collection, key, payload)
}
