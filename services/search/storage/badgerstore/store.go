// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package badgerstore wraps BadgerDB behind a small lifecycle and transaction
// API so the catalog, cache tier, and discovery queue share one opened
// instance per path instead of each managing badger.Options themselves.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Configuration
// =============================================================================

// Default maintenance parameters.
const (
	// DefaultGCInterval is how often the value-log GC pass runs.
	DefaultGCInterval = 10 * time.Minute

	// DefaultGCDiscardRatio is the minimum fraction of a value-log file that
	// must be stale before Badger rewrites it. 0.5 is the Badger-recommended
	// starting point.
	DefaultGCDiscardRatio = 0.5

	// minDiskBytes is the free-space floor checked before opening an
	// on-disk instance. Badger preallocates value-log files; opening on a
	// nearly full volume fails in confusing ways later instead of now.
	minDiskBytes = 128 << 20 // 128 MiB
)

// Config controls how a DB instance is opened.
type Config struct {
	// Dir is the on-disk directory. Ignored when InMemory is true.
	Dir string

	// InMemory opens a process-lifetime instance with no files. Used by
	// tests and by deployments that opt out of durable caching.
	InMemory bool

	// SyncWrites forces an fsync per commit. Durable queues want this;
	// cache tiers do not need it.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero uses the default.
	// GC never runs for in-memory instances.
	GCInterval time.Duration

	// GCDiscardRatio tunes the GC rewrite threshold. Zero uses the default.
	GCDiscardRatio float64

	// Logger receives Badger's internal diagnostics at translated levels.
	// Nil uses slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the standard on-disk configuration for the given
// directory: synced writes, periodic value-log GC.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     DefaultGCInterval,
		GCDiscardRatio: DefaultGCDiscardRatio,
	}
}

// InMemoryConfig returns a configuration for tests and ephemeral deployments.
// No files are created and no GC goroutine runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// =============================================================================
// DB
// =============================================================================

// DB owns one opened BadgerDB instance and its maintenance goroutine.
//
// # Description
//
// All persistent state in the service lives in Badger instances opened
// through this wrapper: the supplement catalog, the durable L2 cache tier,
// and the discovery queue. Each gets its own directory and DB value; they
// never share keyspaces.
//
// WithTxn and WithReadTxn check context cancellation before starting the
// transaction. Badger transactions themselves are short and CPU-bound, so a
// pre-check is the useful granularity; a mid-transaction check would buy
// nothing.
//
// # Thread Safety
//
// Safe for concurrent use. Badger serializes conflicting writes internally
// and returns ErrConflict, which callers use for compare-and-swap semantics.
type DB struct {
	db     *badger.DB
	logger *slog.Logger
	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenDB opens a Badger instance per cfg.
//
// # Description
//
// For on-disk configurations the directory is created if absent and the
// volume is checked for a minimum of free space before Badger touches it.
// A maintenance goroutine runs value-log GC on the configured interval until
// Close is called.
//
// # Inputs
//
//   - cfg: Open parameters. Zero-value intervals fall back to defaults.
//
// # Outputs
//
//   - *DB: Opened instance. Never nil on success.
//   - error: Non-nil when the directory is unusable or Badger fails to open.
func OpenDB(cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("badgerstore: Dir is required for on-disk instances")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("badgerstore: create dir: %w", err)
		}
		if err := checkDiskSpace(cfg.Dir, minDiskBytes); err != nil {
			return nil, fmt.Errorf("badgerstore: preflight: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(&slogAdapter{logger: logger})

	inner, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	db := &DB{
		db:     inner,
		logger: logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if cfg.InMemory {
		close(db.gcDone) // nothing to run
		return db, nil
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	ratio := cfg.GCDiscardRatio
	if ratio <= 0 {
		ratio = DefaultGCDiscardRatio
	}
	go db.runValueLogGC(interval, ratio)

	return db, nil
}

// Close stops the maintenance goroutine and closes the underlying instance.
// Safe to call once; the DB is unusable afterwards.
func (d *DB) Close() error {
	close(d.gcStop)
	<-d.gcDone
	return d.db.Close()
}

// Badger exposes the underlying handle for features the wrapper does not
// mediate: Subscribe for watch streams, Backup/Load for the CLI.
func (d *DB) Badger() *badger.DB {
	return d.db
}

// WithTxn runs fn inside a read-write transaction.
//
// Returns the context error if ctx is already done, otherwise whatever fn or
// the commit returns. badger.ErrConflict propagates unwrapped so callers can
// detect lost compare-and-swap races with errors.Is.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// runValueLogGC reclaims space from stale value-log files on a fixed
// interval. ErrNoRewrite means there was nothing worth collecting and is not
// an error. One successful rewrite is followed by an immediate retry since
// multiple files may be collectable after a burst of deletes.
func (d *DB) runValueLogGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.gcStop:
			return
		case <-ticker.C:
			for {
				err := d.db.RunValueLogGC(ratio)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					d.logger.Warn("badgerstore: value-log GC failed",
						slog.String("error", err.Error()))
					break
				}
			}
		}
	}
}

// =============================================================================
// Badger Logger Adapter
// =============================================================================

// slogAdapter translates Badger's printf-style logger into slog records.
// Badger's INFO output is chatty at startup, so it maps to Debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}
