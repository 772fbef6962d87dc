// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package badgerstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
)

// openTestDB opens an in-memory instance and registers cleanup.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestOpenDB_OnDisk(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenDB(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpenDB_MissingDir(t *testing.T) {
	_, err := OpenDB(Config{Dir: ""})
	if err == nil {
		t.Fatal("expected error for empty Dir on on-disk config")
	}
}

func TestOpenDB_ReopenSameDir(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenDB(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	err = db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Data survives a restart.
	db2, err := OpenDB(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db2.Close()

	var got []byte
	err = db2.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("want %q, got %q", "v", got)
	}
}

// =============================================================================
// Transactions
// =============================================================================

func TestWithTxn_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("alpha"), []byte("1"))
	})
	if err != nil {
		t.Fatalf("WithTxn: %v", err)
	}

	var got []byte
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("alpha"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		t.Fatalf("WithReadTxn: %v", err)
	}
	if string(got) != "1" {
		t.Errorf("want %q, got %q", "1", got)
	}
}

func TestWithTxn_ContextCancelled(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.WithTxn(ctx, func(txn *badger.Txn) error {
		t.Error("callback must not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestWithTxn_CallbackError(t *testing.T) {
	db := openTestDB(t)
	sentinel := errors.New("boom")

	err := db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("want sentinel, got %v", err)
	}
}

func TestWithTxn_ConflictPropagates(t *testing.T) {
	// Two transactions racing on the same key: one commits, the loser sees
	// ErrConflict. This is the compare-and-swap primitive the discovery
	// queue builds on, so the sentinel must reach the caller intact.
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("state"), []byte("PENDING"))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	var conflicts int
	var mu sync.Mutex

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := db.WithTxn(ctx, func(txn *badger.Txn) error {
				if _, err := txn.Get([]byte("state")); err != nil {
					return err
				}
				return txn.Set([]byte("state"), []byte("IN_FLIGHT"))
			})
			if errors.Is(err, badger.ErrConflict) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// At most one loser; with in-memory Badger the interleaving can also
	// serialize cleanly, so zero conflicts is acceptable.
	if conflicts > 1 {
		t.Errorf("expected at most one conflict, got %d", conflicts)
	}
}
