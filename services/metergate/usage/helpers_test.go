// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
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

func f64(v float64) *float64 { return &v }

func readRecord(t *testing.T, st store.Store, key store.Key) Record {
	t.Helper()
	raw, err := st.Get(context.Background(), store.CollectionUsage, key)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	return rec
}

// failingSource is a Source whose read always fails.
type failingSource struct{ name string }

func (s failingSource) Name() string { return s.name }

func (s failingSource) Entries(ctx context.Context) ([][]byte, error) {
	return nil, errors.New("source unavailable")
}

// staticSource serves fixed entries.
type staticSource struct {
	name    string
	entries []string
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Entries(ctx context.Context) ([][]byte, error) {
	out := make([][]byte, len(s.entries))
	for i, e := range s.entries {
		out[i] = []byte(e)
	}
	return out, nil
}

// vanishingStore deletes the target collection right before the first
// TransactUpdate, simulating a concurrent reset between read and update.
type vanishingStore struct {
	store.Store
	remaining int
}

func (s *vanishingStore) TransactUpdate(ctx context.Context, collection string, key store.Key, fn store.UpdateFunc) (store.Outcome, error) {
	if s.remaining > 0 {
		s.remaining--
		if _, err := s.Store.Reset(ctx, collection); err != nil {
			return store.OutcomeAborted, err
		}
	}
	return s.Store.TransactUpdate(ctx, collection, key, fn)
}

// abstainingStore aborts every TransactUpdate.
type abstainingStore struct {
	store.Store
	calls int
}

func (s *abstainingStore) TransactUpdate(ctx context.Context, collection string, key store.Key, fn store.UpdateFunc) (store.Outcome, error) {
	s.calls++
	return store.OutcomeAborted, nil
}

// brokenStore fails every read.
type brokenStore struct {
	store.Store
}

func (brokenStore) ReadLatest(ctx context.Context, collection string, n int) ([]store.Entry, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) ReadAll(ctx context.Context, collection string) ([]store.Entry, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) Get(ctx context.Context, collection string, key store.Key) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

// contendedStore loses every commit race in TransactUpdate.
type contendedStore struct {
	store.Store
	calls  int
	onCall func()
}

func (s *contendedStore) TransactUpdate(ctx context.Context, collection string, key store.Key, fn store.UpdateFunc) (store.Outcome, error) {
	s.calls++
	if s.onCall != nil {
		s.onCall()
	}
	return store.OutcomeAborted, fmt.Errorf("update %s/%s: %w", collection, key, store.ErrTooManyConflicts)
}
