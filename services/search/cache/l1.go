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
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// L1 is the in-process tier: microsecond lookups, capacity-bounded with LRU
// eviction, gone on restart.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying LRU locks internally.
type L1 struct {
	lru *expirable.LRU[string, *Entry]
	now func() time.Time
}

// NewL1 builds the tier. capacity bounds the entry count; ttl evicts idle
// entries even below capacity.
func NewL1(capacity int, ttl time.Duration) *L1 {
	return &L1{
		lru: expirable.NewLRU[string, *Entry](capacity, nil, ttl),
		now: time.Now,
	}
}

// Name implements Tier.
func (l *L1) Name() string { return "l1" }

// Get implements Tier. An entry past its ExpiresAt is removed and reported
// as a miss; the LRU's own TTL lags for entries backfilled from L2.
func (l *L1) Get(_ context.Context, fingerprint string) (*Entry, error) {
	entry, ok := l.lru.Get(fingerprint)
	if !ok {
		return nil, nil
	}
	if entry.Expired(l.now()) {
		l.lru.Remove(fingerprint)
		return nil, nil
	}
	return entry, nil
}

// Put implements Tier.
func (l *L1) Put(_ context.Context, fingerprint string, entry *Entry) error {
	l.lru.Add(fingerprint, entry)
	return nil
}

// Delete implements Tier.
func (l *L1) Delete(_ context.Context, fingerprint string) error {
	l.lru.Remove(fingerprint)
	return nil
}

// Flush implements Tier.
func (l *L1) Flush(context.Context) error {
	l.lru.Purge()
	return nil
}

// Len implements Tier.
func (l *L1) Len(context.Context) (int, error) {
	return l.lru.Len(), nil
}
