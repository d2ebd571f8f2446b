// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the narrow record store MeterGate is built on.
//
// A store holds named collections of opaque JSON payloads. Within a
// collection, records are ordered by key and keys are generated so that
// key order equals creation order. The only mutation of an existing record
// is TransactUpdate, an optimistic compare-and-update that applies a pure
// function to the current value or aborts without side effect.
//
// The store is not a general-purpose database: there are no secondary
// indexes, queries, or cross-collection transactions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Collection names used by MeterGate.
const (
	CollectionUsage        = "usage"
	CollectionUsageHistory = "usage_history"
	CollectionRealtime     = "sensors/realtime"
	CollectionCapture      = "capture"
	CollectionUsers        = "users"
	CollectionAccessLog    = "logs/access"
	CollectionAccess       = "access"
)

// Well-known single-record keys.
const (
	KeyRealtimeCurrent Key = "current"
	KeyCaptureLatest   Key = "latest"
	KeyAccessDecision  Key = "decision"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrTooManyConflicts is returned when a write kept losing commit races
	// until its retry bound or the caller's context ran out. Nothing was
	// written, so the operation is safe to repeat.
	ErrTooManyConflicts = errors.New("store: too many transaction conflicts")

	// ErrInvalidCollection is returned for an empty collection name.
	ErrInvalidCollection = errors.New("store: collection name is required")
)

// Key identifies a record within a collection.
type Key string

// NewKey returns a fresh time-ordered key.
//
// Keys are UUIDv7 strings. Within one process successive keys are strictly
// increasing, so lexicographic order equals creation order.
func NewKey() (Key, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate record key: %w", err)
	}
	return Key(id.String()), nil
}

// Entry is one record as read from a collection.
type Entry struct {
	Key   Key
	Value []byte
}

// Outcome reports what TransactUpdate did.
type Outcome int

const (
	// OutcomeApplied means the new value was committed.
	OutcomeApplied Outcome = iota

	// OutcomeAborted means the function declined to write, or the record
	// was absent or empty. Nothing was changed.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// UpdateFunc computes the replacement for current. Returning nil bytes with
// a nil error aborts the update. It may run several times and must not have
// side effects.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the record store contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. TransactUpdate calls on
// the same key are linearizable.
type Store interface {
	// Append writes payload under a fresh key and returns it.
	Append(ctx context.Context, collection string, payload []byte) (Key, error)

	// CreateIfEmpty appends payload only when collection holds no record.
	// It returns the new key and true, or the newest existing key and false.
	CreateIfEmpty(ctx context.Context, collection string, payload []byte) (Key, bool, error)

	// ReadLatest returns up to n records in key order, oldest to newest.
	// An absent collection yields an empty slice.
	ReadLatest(ctx context.Context, collection string, n int) ([]Entry, error)

	// TransactUpdate applies fn to the current value of key atomically.
	TransactUpdate(ctx context.Context, collection string, key Key, fn UpdateFunc) (Outcome, error)

	// ReadAll returns every record in key order.
	ReadAll(ctx context.Context, collection string) ([]Entry, error)

	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, collection string, key Key) ([]byte, error)

	// Put writes payload under key, replacing any existing value.
	Put(ctx context.Context, collection string, key Key, payload []byte) error

	// Reset deletes every record in collection and returns how many.
	Reset(ctx context.Context, collection string) (int, error)
}
