// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package cache

import (
	"context"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/suplo-health/suplo/services/search/storage/badgerstore"
)

// l2KeyPrefix versions the on-disk entry layout; bumping it orphans old
// entries instead of misdecoding them.
const l2KeyPrefix = "cache/ent/v1/"

// BadgerL2 is the default durable tier: a local BadgerDB with native TTL,
// surviving restarts without any external service.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerL2 struct {
	db  *badgerstore.DB
	ttl time.Duration
	now func() time.Time
}

// NewBadgerL2 wraps an open Badger handle; the caller owns its lifecycle.
func NewBadgerL2(db *badgerstore.DB, ttl time.Duration) *BadgerL2 {
	return &BadgerL2{db: db, ttl: ttl, now: time.Now}
}

// Name implements Tier.
func (b *BadgerL2) Name() string { return "l2" }

func (b *BadgerL2) key(fingerprint string) []byte {
	return []byte(l2KeyPrefix + fingerprint)
}

// Get implements Tier. Badger's TTL usually evicts first; the ExpiresAt
// check covers entries read between expiry and compaction.
func (b *BadgerL2) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	var entry *Entry
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry, err = decodeEntry(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Expired(b.now()) {
		_ = b.Delete(ctx, fingerprint)
		return nil, nil
	}
	return entry, nil
}

// Put implements Tier, clamping the storage TTL to the entry's remaining
// life so a backfill never extends it.
func (b *BadgerL2) Put(ctx context.Context, fingerprint string, entry *Entry) error {
	remaining := entry.ExpiresAt.Sub(b.now())
	if remaining <= 0 {
		return nil
	}
	if remaining > b.ttl {
		remaining = b.ttl
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(b.key(fingerprint), raw).WithTTL(remaining)
		return txn.SetEntry(e)
	})
}

// Delete implements Tier.
func (b *BadgerL2) Delete(ctx context.Context, fingerprint string) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(b.key(fingerprint))
	})
}

// Flush implements Tier via DropPrefix, which discards every cache entry in
// one compaction instead of key-by-key deletes.
func (b *BadgerL2) Flush(context.Context) error {
	return b.db.Badger().DropPrefix([]byte(l2KeyPrefix))
}

// Len implements Tier with a key-only scan.
func (b *BadgerL2) Len(ctx context.Context) (int, error) {
	n := 0
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(l2KeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
