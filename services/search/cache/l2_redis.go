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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces entries so the tier can share a Redis database
// with other consumers and still flush only its own keys.
const redisKeyPrefix = "suplo:cache:"

// redisScanBatch is the COUNT hint for SCAN-based flush and len.
const redisScanBatch = 512

// RedisL2 is the shared durable tier for multi-instance deployments: every
// service instance sees the same entries, so one instance's write-through
// warms the whole fleet.
//
// # Thread Safety
//
// Safe for concurrent use; the client pools connections.
type RedisL2 struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisL2 connects to addr. The connection is verified eagerly so a
// misconfigured address fails at startup, not on the first request.
func NewRedisL2(ctx context.Context, addr string, ttl time.Duration) (*RedisL2, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisL2{client: client, ttl: ttl, now: time.Now}, nil
}

// Close releases the connection pool.
func (r *RedisL2) Close() error {
	return r.client.Close()
}

// Name implements Tier.
func (r *RedisL2) Name() string { return "l2" }

func (r *RedisL2) key(fingerprint string) string {
	return redisKeyPrefix + fingerprint
}

// Get implements Tier.
func (r *RedisL2) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt value is unreadable forever; drop it so the slot heals.
		_ = r.client.Del(ctx, r.key(fingerprint)).Err()
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if entry.Expired(r.now()) {
		_ = r.client.Del(ctx, r.key(fingerprint)).Err()
		return nil, nil
	}
	return &entry, nil
}

// Put implements Tier, clamping the key TTL to the entry's remaining life.
func (r *RedisL2) Put(ctx context.Context, fingerprint string, entry *Entry) error {
	remaining := entry.ExpiresAt.Sub(r.now())
	if remaining <= 0 {
		return nil
	}
	if remaining > r.ttl {
		remaining = r.ttl
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(fingerprint), raw, remaining).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Tier.
func (r *RedisL2) Delete(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, r.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Flush implements Tier by scanning the namespace; FLUSHDB would take other
// tenants' keys with it.
func (r *RedisL2) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", redisScanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Len implements Tier with the same namespace scan.
func (r *RedisL2) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", redisScanBatch).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}
