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
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/suplo-health/suplo/services/search/fault"
)

// Invalidator retries cache deletions until they stick. A supplement insert
// that leaves a stale cached mapping behind would hide the new row until the
// TTL fires, so the discovery worker treats invalidation as must-succeed
// within the job's deadline.
//
// # Thread Safety
//
// Safe for concurrent use.
type Invalidator struct {
	cache    *Tiered
	maxTries uint
	initial  time.Duration
	logger   *slog.Logger
}

// NewInvalidator builds an Invalidator. maxTries bounds attempts per
// fingerprint; initial seeds the exponential backoff between them.
func NewInvalidator(cache *Tiered, maxTries uint, initial time.Duration, logger *slog.Logger) *Invalidator {
	return &Invalidator{cache: cache, maxTries: maxTries, initial: initial, logger: logger}
}

// InvalidateFingerprints deletes each fingerprint from every tier, retrying
// per fingerprint with exponential backoff until success, attempt
// exhaustion, or context expiry.
//
// # Outputs
//
//	error - CACHE_UNAVAILABLE when any fingerprint could not be deleted
//	        within the budget; the worker reschedules the job on it.
func (inv *Invalidator) InvalidateFingerprints(ctx context.Context, fingerprints []string) error {
	for _, fp := range fingerprints {
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = inv.initial

		attempt := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempt++
			return struct{}{}, inv.cache.Invalidate(ctx, fp)
		},
			backoff.WithBackOff(expo),
			backoff.WithMaxTries(inv.maxTries),
			backoff.WithNotify(func(err error, next time.Duration) {
				inv.logger.Warn("cache invalidation retrying",
					slog.String("component", "cache"),
					slog.String("fingerprint", fp),
					slog.Int("attempt", attempt),
					slog.Duration("next_in", next),
					slog.String("error", err.Error()),
				)
			}),
		)
		if err != nil {
			return fault.Wrap(fault.KindCacheUnavailable, "cache.Invalidate", err)
		}
	}
	return nil
}
