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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"
)

// Entry is one cached search result. Entries are immutable: invalidation
// deletes, write-through creates, nothing updates in place.
type Entry struct {
	// SupplementID resolves through the catalog at read time, so a cached
	// hit always reflects the current supplement row.
	SupplementID string `json:"supplement_id"`

	// Similarity is the match score recorded when the entry was written.
	Similarity float64 `json:"similarity"`

	// SourceTier is where the result originally came from ("vector").
	// The tier that later serves the entry is reported separately.
	SourceTier string `json:"source_tier"`

	// CachedAt and ExpiresAt bound the entry's life. Tiers enforce
	// ExpiresAt on read even when their storage TTL has not fired yet.
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its lifetime at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// encodeEntry/decodeEntry are the Badger-side codec. The Redis tier uses
// JSON instead so entries stay inspectable with redis-cli.
func encodeEntry(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

// Tier is one cache level. A miss is (nil, nil); only infrastructure
// failures return errors, and the composed view masks those.
type Tier interface {
	// Name is the stable tier label ("l1", "l2").
	Name() string

	// Get returns the entry for a fingerprint, nil on miss. Implementations
	// must treat entries past ExpiresAt as misses and may lazily delete
	// them.
	Get(ctx context.Context, fingerprint string) (*Entry, error)

	// Put stores an entry under a fingerprint with the tier's TTL.
	Put(ctx context.Context, fingerprint string, entry *Entry) error

	// Delete removes a fingerprint. Absent keys are a no-op.
	Delete(ctx context.Context, fingerprint string) error

	// Flush removes every entry. Backs the admin global cache flush.
	Flush(ctx context.Context) error

	// Len reports the current entry count for the population metric.
	Len(ctx context.Context) (int, error)
}
