// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package cache implements the two-tier result cache in front of the vector
// store: a capacity-bounded in-process LRU (L1) and a durable TTL-enforced
// network tier (L2, BadgerDB or Redis). Tier failures never fail a request;
// the composed view degrades to the next tier and logs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the cache key for a canonical query: SHA-256 of the
// lowercased canonical form, truncated to 128 bits, hex-encoded.
//
// Queries that normalize to the same canonical form share a fingerprint by
// construction, which is what makes invalidation by canonical name reach
// every spelling a user could type.
func Fingerprint(canonical string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(canonical)))
	return hex.EncodeToString(sum[:16])
}
