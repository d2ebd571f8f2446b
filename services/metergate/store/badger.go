// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	mgbadger "github.com/AleutianAI/MeterGate/services/metergate/storage/badger"
)

const (
	// DefaultConflictBackoff is the jitter bound after the first lost
	// commit race. It doubles per conflict.
	DefaultConflictBackoff = 2 * time.Millisecond

	// DefaultMaxConflictBackoff caps the jitter bound.
	DefaultMaxConflictBackoff = 50 * time.Millisecond

	// deleteBatchSize bounds keys collected per Reset pass.
	deleteBatchSize = 1000
)

// keySep separates the collection from the record key. Collection names
// may contain '/', so a NUL byte keeps prefixes unambiguous.
const keySep = "\x00"

// errAbort ends a transaction without committing.
var errAbort = errors.New("store: update aborted")

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// MaxConflictRetries bounds commit attempts. Zero retries until the
	// caller's context is done.
	MaxConflictRetries int

	// ConflictBackoff is the initial jitter bound between attempts. Default: 2ms
	ConflictBackoff time.Duration

	// MaxConflictBackoff caps the doubling jitter bound. Default: 50ms
	MaxConflictBackoff time.Duration

	// OnConflict is called once per lost commit race. Optional.
	OnConflict func()
}

// BadgerStore implements Store on BadgerDB optimistic transactions.
//
// # Thread Safety
//
// Safe for concurrent use. A TransactUpdate that read a key another
// transaction committed is rejected by Badger at commit and retried here.
type BadgerStore struct {
	db   *mgbadger.DB
	opts BadgerOptions
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *mgbadger.DB, opts BadgerOptions) *BadgerStore {
	if opts.MaxConflictRetries < 0 {
		opts.MaxConflictRetries = 0
	}
	if opts.ConflictBackoff < 0 {
		opts.ConflictBackoff = 0
	} else if opts.ConflictBackoff == 0 {
		opts.ConflictBackoff = DefaultConflictBackoff
	}
	if opts.MaxConflictBackoff <= 0 {
		opts.MaxConflictBackoff = DefaultMaxConflictBackoff
	}
	return &BadgerStore{db: db, opts: opts}
}

func prefix(collection string) []byte {
	return []byte(collection + keySep)
}

func recordKey(collection string, key Key) []byte {
	return []byte(collection + keySep + string(key))
}

// headKey holds the newest key appended to collection. It starts with the
// separator, so no collection prefix covers it.
func headKey(collection string) []byte {
	return []byte(keySep + "head" + keySep + collection)
}

func keyFrom(collection string, raw []byte) Key {
	return Key(raw[len(collection)+len(keySep):])
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, collection string, payload []byte) (Key, error) {
	if collection == "" {
		return "", ErrInvalidCollection
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}
	key, err := NewKey()
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(collection, key), payload); err != nil {
			return err
		}
		return txn.Set(headKey(collection), []byte(key))
	})
	if err != nil {
		return "", fmt.Errorf("append %s: %w", collection, err)
	}
	return key, nil
}

// CreateIfEmpty implements Store.
//
// Every creator reads the collection's head marker and every append writes
// it, so of two creators racing on an empty collection only one commits.
// The loser retries, sees the winner's record and returns its key.
func (s *BadgerStore) CreateIfEmpty(ctx context.Context, collection string, payload []byte) (Key, bool, error) {
	if collection == "" {
		return "", false, ErrInvalidCollection
	}
	p := prefix(collection)
	hk := headKey(collection)

	var (
		key     Key
		created bool
	)
	_, err := s.db.UpdateWithRetry(ctx, s.retryPolicy(), func(txn *badger.Txn) error {
		key, created = "", false
		if _, err := txn.Get(hk); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = p
		it := txn.NewIterator(opts)
		it.Seek(append(append([]byte{}, p...), 0xFF))
		if it.ValidForPrefix(p) {
			key = keyFrom(collection, it.Item().KeyCopy(nil))
		}
		it.Close()
		if key != "" {
			return nil
		}

		next, err := NewKey()
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(collection, next), payload); err != nil {
			return err
		}
		if err := txn.Set(hk, []byte(next)); err != nil {
			return err
		}
		key, created = next, true
		return nil
	})
	if err != nil {
		return "", false, conflictError("create "+collection, err)
	}
	return key, created, nil
}

func (s *BadgerStore) retryPolicy() mgbadger.RetryPolicy {
	policy := mgbadger.RetryPolicy{
		MaxAttempts: s.opts.MaxConflictRetries,
		BaseBackoff: s.opts.ConflictBackoff,
		MaxBackoff:  s.opts.MaxConflictBackoff,
	}
	if s.opts.OnConflict != nil {
		policy.OnConflict = func(int) { s.opts.OnConflict() }
	}
	return policy
}

// conflictError marks exhausted commit retries with ErrTooManyConflicts.
func conflictError(op string, err error) error {
	if errors.Is(err, mgbadger.ErrRetriesExhausted) {
		return fmt.Errorf("%s: %w: %w", op, ErrTooManyConflicts, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, collection string, key Key, payload []byte) error {
	if collection == "" {
		return ErrInvalidCollection
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(collection, key), payload)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, collection string, key Key) ([]byte, error) {
	if collection == "" {
		return nil, ErrInvalidCollection
	}
	var value []byte
	err := s.db.ViewContext(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// ReadLatest implements Store.
func (s *BadgerStore) ReadLatest(ctx context.Context, collection string, n int) ([]Entry, error) {
	if collection == "" {
		return nil, ErrInvalidCollection
	}
	entries := []Entry{}
	if n <= 0 {
		return entries, nil
	}

	p := prefix(collection)
	err := s.db.ViewContext(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seeking in reverse lands on the last key <= seek.
		seek := append(append([]byte{}, p...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(p) && len(entries) < n; it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Key: keyFrom(collection, item.Key()), Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read latest %s: %w", collection, err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ReadAll implements Store.
func (s *BadgerStore) ReadAll(ctx context.Context, collection string) ([]Entry, error) {
	if collection == "" {
		return nil, ErrInvalidCollection
	}
	entries := []Entry{}
	p := prefix(collection)
	err := s.db.ViewContext(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Key: keyFrom(collection, item.Key()), Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read all %s: %w", collection, err)
	}
	return entries, nil
}

// TransactUpdate implements Store.
//
// The record is aborted, not created, when it is absent or holds an empty
// value. fn sees a private copy of the current bytes.
func (s *BadgerStore) TransactUpdate(ctx context.Context, collection string, key Key, fn UpdateFunc) (Outcome, error) {
	if collection == "" {
		return OutcomeAborted, ErrInvalidCollection
	}
	rk := recordKey(collection, key)

	_, err := s.db.UpdateWithRetry(ctx, s.retryPolicy(), func(txn *badger.Txn) error {
		item, err := txn.Get(rk)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errAbort
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(current) == 0 {
			return errAbort
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return errAbort
		}
		return txn.Set(rk, next)
	})

	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, errAbort):
		return OutcomeAborted, nil
	default:
		return OutcomeAborted, conflictError(fmt.Sprintf("update %s/%s", collection, key), err)
	}
}

// Reset implements Store.
func (s *BadgerStore) Reset(ctx context.Context, collection string) (int, error) {
	if collection == "" {
		return 0, ErrInvalidCollection
	}
	p := prefix(collection)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("context cancelled: %w", err)
		}

		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = p
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(p); it.ValidForPrefix(p) && len(keys) < deleteBatchSize; it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("reset %s: %w", collection, err)
		}
		if len(keys) == 0 {
			return total, nil
		}

		wb := s.db.NewWriteBatch()
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return total, fmt.Errorf("reset %s: %w", collection, err)
			}
		}
		if err := wb.Flush(); err != nil {
			return total, fmt.Errorf("reset %s: %w", collection, err)
		}
		total += len(keys)
	}
}
