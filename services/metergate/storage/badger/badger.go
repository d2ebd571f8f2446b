// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance backing the
// MeterGate record store.
//
// BadgerDB provides serializable snapshot isolation: a read-write
// transaction that read a key which another transaction committed in the
// meantime fails at commit with badger.ErrConflict. UpdateWithRetry turns
// that into the optimistic read-modify-write loop the record store needs.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrRetriesExhausted is returned by UpdateWithRetry when every attempt
// ended in a commit conflict.
var ErrRetriesExhausted = errors.New("badger: transaction conflict retries exhausted")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before a GC rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes and a
// 5-minute GC at a 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with GC lifecycle management.
type DB struct {
	*badger.DB
	gc       *gcRunner
	inMemory bool
}

// Open opens a BadgerDB with the given configuration and starts the GC
// runner when GCInterval is positive and the database is persistent.
//
// Thread Safety: The returned *DB is safe for concurrent use. Caller must
// call Close() when done.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	wrapped := &DB{DB: db, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		wrapped.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		go wrapped.gc.run()
	}
	return wrapped, nil
}

// OpenInMemory opens an in-memory database for tests.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops the GC runner (if running) and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.stop()
	}
	return d.DB.Close()
}

// InMemory reports whether this is an in-memory database.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// DefaultMaxBackoff caps the exponential backoff when RetryPolicy.MaxBackoff
// is unset.
const DefaultMaxBackoff = 50 * time.Millisecond

// RetryPolicy bounds UpdateWithRetry.
type RetryPolicy struct {
	// MaxAttempts is the number of commits tried before giving up. Zero
	// retries until ctx is done.
	MaxAttempts int

	// BaseBackoff is the jitter bound after the first conflict. The bound
	// doubles per conflict up to MaxBackoff. Zero retries immediately.
	BaseBackoff time.Duration

	// MaxBackoff caps the jitter bound. Default: DefaultMaxBackoff
	MaxBackoff time.Duration

	// OnConflict, if set, is called after each conflicting attempt.
	OnConflict func(attempt int)
}

// backoff returns the jittered sleep after the given conflicting attempt.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	ceiling := p.MaxBackoff
	if ceiling <= 0 {
		ceiling = DefaultMaxBackoff
	}
	if ceiling < p.BaseBackoff {
		ceiling = p.BaseBackoff
	}
	bound := p.BaseBackoff
	for i := 1; i < attempt && bound < ceiling; i++ {
		bound *= 2
	}
	if bound > ceiling {
		bound = ceiling
	}
	return time.Duration(rand.Int64N(int64(bound))) + 1
}

// UpdateWithRetry runs fn in a read-write transaction and commits it,
// retrying the whole transaction on badger.ErrConflict.
//
// fn must be safe to run more than once: every attempt starts from a fresh
// snapshot and a conflicting attempt is discarded without side effect. The
// context is checked before each attempt, so a deadline ends the loop
// cleanly between attempts. When ctx ends after at least one conflict the
// error matches both ErrRetriesExhausted and ctx.Err().
//
// Outputs:
//
//	int - Number of attempts made.
//	error - fn's error, a commit error, ctx.Err(), or ErrRetriesExhausted.
func (d *DB) UpdateWithRetry(ctx context.Context, policy RetryPolicy, fn func(txn *badger.Txn) error) (int, error) {
	conflicts := 0
	for attempt := 1; policy.MaxAttempts <= 0 || attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, retryCancelled(conflicts, err)
		}

		err := d.DB.Update(fn)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return attempt, err
		}
		conflicts++
		if policy.OnConflict != nil {
			policy.OnConflict(attempt)
		}
		if policy.MaxAttempts > 0 && attempt == policy.MaxAttempts {
			break
		}
		if sleep := policy.backoff(attempt); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, retryCancelled(conflicts, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return policy.MaxAttempts, ErrRetriesExhausted
}

func retryCancelled(conflicts int, err error) error {
	if conflicts == 0 {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return fmt.Errorf("context cancelled after %d conflicts: %w: %w", conflicts, ErrRetriesExhausted, err)
}

// ViewContext runs fn in a read-only transaction after checking ctx.
func (d *DB) ViewContext(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.DB.View(fn)
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) stop() {
	r.once.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing to collect.
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
				r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
