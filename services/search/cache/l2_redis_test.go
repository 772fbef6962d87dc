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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func openRedisTier(t *testing.T) (*RedisL2, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	tier, err := NewRedisL2(context.Background(), mr.Addr(), 7*24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier, mr
}

func TestRedisL2_RoundTrip(t *testing.T) {
	tier, _ := openRedisTier(t)
	ctx := context.Background()
	entry := mkEntry("id-1", time.Now())

	require.NoError(t, tier.Put(ctx, "fp-1", entry))

	got, err := tier.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "id-1", got.SupplementID)
	require.Equal(t, "vector", got.SourceTier)
	require.InDelta(t, entry.Similarity, got.Similarity, 1e-9)

	require.NoError(t, tier.Delete(ctx, "fp-1"))
	got, err = tier.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.Nil(t, got, "entry survived Delete")
}

func TestRedisL2_MissIsNilNil(t *testing.T) {
	tier, _ := openRedisTier(t)

	got, err := tier.Get(context.Background(), "fp-none")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisL2_NativeTTLExpiry(t *testing.T) {
	tier, mr := openRedisTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Put(ctx, "fp-1", mkEntry("id-1", time.Now())))

	// miniredis only advances TTLs through FastForward.
	mr.FastForward(7*24*time.Hour + time.Second)

	got, err := tier.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.Nil(t, got, "entry served past its key TTL")
}

func TestRedisL2_SimulatedClockExpiry(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tier, _ := openRedisTier(t)
	tier.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, tier.Put(ctx, "fp-1", mkEntry("id-1", base)))

	tier.now = func() time.Time { return base.Add(7*24*time.Hour + time.Second) }
	got, err := tier.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.Nil(t, got, "entry served past cached_at + 7 days")
}

func TestRedisL2_CorruptValueHeals(t *testing.T) {
	tier, mr := openRedisTier(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(redisKeyPrefix+"fp-bad", "not json"))

	_, err := tier.Get(ctx, "fp-bad")
	require.Error(t, err)

	// The poisoned key is dropped so the slot works again.
	require.False(t, mr.Exists(redisKeyPrefix+"fp-bad"))
}

func TestRedisL2_FlushSparesForeignKeys(t *testing.T) {
	tier, mr := openRedisTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Put(ctx, "fp-1", mkEntry("id-1", time.Now())))
	require.NoError(t, tier.Put(ctx, "fp-2", mkEntry("id-2", time.Now())))
	require.NoError(t, mr.Set("session:abc", "other tenant"))

	n, err := tier.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, tier.Flush(ctx))

	n, err = tier.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, mr.Exists("session:abc"), "flush must stay inside its namespace")
}

func TestNewRedisL2_BadAddressFailsFast(t *testing.T) {
	_, err := NewRedisL2(context.Background(), "127.0.0.1:1", time.Hour)
	require.Error(t, err)
}
