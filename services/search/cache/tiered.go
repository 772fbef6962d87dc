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
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var cacheTracer = otel.Tracer("suplo.search.cache")

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache hits by the tier that served them.",
	}, []string{"tier"})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Lookups that missed every tier.",
	})

	cacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Tier failures by tier and operation. Always masked from callers.",
	}, []string{"tier", "op"})

	cacheEntriesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "suplo",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries currently held per tier.",
	}, []string{"tier"})
)

// Tiered composes the tiers into the read/write/invalidate discipline the
// orchestrator uses: read shallow to deep, write deep to shallow, delete
// everywhere.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tiered struct {
	tiers  []Tier
	logger *slog.Logger
}

// TierStats is one tier's population snapshot for the debug surface.
type TierStats struct {
	Tier    string `json:"tier"`
	Entries int    `json:"entries"`
}

// NewTiered composes tiers ordered from fastest to most durable; lookups
// probe them in order. At least one tier is required.
func NewTiered(logger *slog.Logger, tiers ...Tier) *Tiered {
	return &Tiered{tiers: tiers, logger: logger}
}

// Lookup probes the tiers in order.
//
// # Description
//
//	A hit in a deeper tier backfills every shallower tier best-effort before
//	returning. Tier failures are masked: the lookup degrades to the next
//	tier with a warning log and an error metric, and a total failure is just
//	a miss.
//
// # Outputs
//
//	*Entry - The hit, or nil on a full miss.
//	string - Name of the tier that served the hit, "" on a miss.
func (t *Tiered) Lookup(ctx context.Context, fingerprint string) (*Entry, string) {
	ctx, span := cacheTracer.Start(ctx, "cache.Lookup")
	defer span.End()

	for i, tier := range t.tiers {
		entry, err := tier.Get(ctx, fingerprint)
		if err != nil {
			t.degrade(span, tier, "get", err)
			continue
		}
		if entry == nil {
			continue
		}

		cacheHitsTotal.WithLabelValues(tier.Name()).Inc()
		span.SetAttributes(attribute.String("cache.tier", tier.Name()))
		for _, shallower := range t.tiers[:i] {
			if err := shallower.Put(ctx, fingerprint, entry); err != nil {
				t.degrade(span, shallower, "backfill", err)
			}
		}
		return entry, tier.Name()
	}

	cacheMissesTotal.Inc()
	span.SetAttributes(attribute.Bool("cache.miss", true))
	return nil, ""
}

// WriteThrough stores an entry in every tier, deepest first, so a crash
// between writes leaves the durable tier populated rather than only the
// volatile one. Failures are masked; a partially written cache self-heals
// via backfill.
func (t *Tiered) WriteThrough(ctx context.Context, fingerprint string, entry *Entry) {
	ctx, span := cacheTracer.Start(ctx, "cache.WriteThrough")
	defer span.End()

	for i := len(t.tiers) - 1; i >= 0; i-- {
		if err := t.tiers[i].Put(ctx, fingerprint, entry); err != nil {
			t.degrade(span, t.tiers[i], "put", err)
		}
	}
}

// Invalidate deletes the fingerprint from every tier. Unlike reads and
// writes, failures are returned (joined per tier) because the discovery
// worker must retry until the deletion actually happens.
func (t *Tiered) Invalidate(ctx context.Context, fingerprint string) error {
	ctx, span := cacheTracer.Start(ctx, "cache.Invalidate")
	defer span.End()

	var errs []error
	for _, tier := range t.tiers {
		if err := tier.Delete(ctx, fingerprint); err != nil {
			cacheErrorsTotal.WithLabelValues(tier.Name(), "delete").Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush clears every tier. Backs the admin upsert's global flush.
func (t *Tiered) Flush(ctx context.Context) error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.Flush(ctx); err != nil {
			cacheErrorsTotal.WithLabelValues(tier.Name(), "flush").Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats snapshots per-tier populations and refreshes the entries gauge.
func (t *Tiered) Stats(ctx context.Context) []TierStats {
	stats := make([]TierStats, 0, len(t.tiers))
	for _, tier := range t.tiers {
		n, err := tier.Len(ctx)
		if err != nil {
			t.logger.Warn("cache tier len failed",
				slog.String("component", "cache"),
				slog.String("tier", tier.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		cacheEntriesGauge.WithLabelValues(tier.Name()).Set(float64(n))
		stats = append(stats, TierStats{Tier: tier.Name(), Entries: n})
	}
	return stats
}

func (t *Tiered) degrade(span trace.Span, tier Tier, op string, err error) {
	cacheErrorsTotal.WithLabelValues(tier.Name(), op).Inc()
	span.RecordError(err)
	t.logger.Warn("cache tier degraded",
		slog.String("component", "cache"),
		slog.String("tier", tier.Name()),
		slog.String("op", op),
		slog.String("error_kind", "CACHE_UNAVAILABLE"),
		slog.String("error", err.Error()),
	)
}
