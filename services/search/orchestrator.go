// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/suplo-health/suplo/services/search/analytics"
	"github.com/suplo-health/suplo/services/search/cache"
	"github.com/suplo-health/suplo/services/search/discovery"
	"github.com/suplo-health/suplo/services/search/fault"
	"github.com/suplo-health/suplo/services/search/normalize"
	"github.com/suplo-health/suplo/services/search/telemetry"
	"github.com/suplo-health/suplo/services/search/vectorstore"
)

var searchTracer = otel.Tracer("suplo.search")

// =============================================================================
// Outcomes
// =============================================================================

// Result statuses. The values appear in the HTTP API, log records, metric
// labels, and analytics points.
const (
	StatusFound      = "found"
	StatusProcessing = "processing"
	StatusInvalid    = "invalid"
	StatusError      = "error"
)

// Source tiers beyond the cache tier names ("l1", "l2").
const (
	TierVector = "vector"
	TierNone   = "none"
)

// minConfidence is the normalization trust floor. Below it the query is
// rejected instead of searched.
const minConfidence = 0.3

// annRetryInitial seeds the exponential backoff between in-request store
// retries.
const annRetryInitial = 100 * time.Millisecond

// =============================================================================
// Metrics
// =============================================================================

var (
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Search requests by outcome and the tier that served them.",
	}, []string{"outcome", "source_tier"})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "suplo",
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "End-to-end search latency.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	flightSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "search",
		Name:      "singleflight_shared_total",
		Help:      "Searches that coalesced onto an identical in-flight query.",
	})
)

// =============================================================================
// Collaborator Contracts
// =============================================================================

// Embedder produces the query vector. *embedding.Service in production.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Matcher is the store surface one search needs. *vectorstore.Store in
// production.
type Matcher interface {
	ANN(ctx context.Context, vector []float32, k int, minSimilarity float64) ([]vectorstore.Match, error)
	Get(ctx context.Context, id string) (*vectorstore.Supplement, error)
}

// Enqueuer schedules discovery for unmatched queries. *discovery.Queue in
// production.
type Enqueuer interface {
	Enqueue(ctx context.Context, query, correlationID string) (*discovery.Job, bool, error)
}

// =============================================================================
// Result
// =============================================================================

// Result is one answered search.
type Result struct {
	// Status is found, processing, or invalid.
	Status string

	// Supplement is the winning match. Nil unless Status is found.
	Supplement *vectorstore.Supplement

	// Similarity is the winning cosine similarity; for a cache hit it is the
	// score recorded when the entry was written.
	Similarity float64

	// SourceTier is where the answer came from: l1, l2, vector, or none.
	SourceTier string

	// Stage and Confidence describe the normalization that produced the
	// canonical query.
	Stage      string
	Confidence float64

	// JobID is the discovery job answering a processing status.
	JobID string

	// CorrelationID and Latency are stamped per caller, never shared between
	// coalesced requests.
	CorrelationID string
	Latency       time.Duration
}

// =============================================================================
// Orchestrator
// =============================================================================

// OrchestratorConfig carries the request-path tunables.
type OrchestratorConfig struct {
	// SimilarityThreshold is the minimum cosine similarity for found.
	SimilarityThreshold float64

	// ANNK is how many nearest neighbours each vector search requests.
	ANNK int

	// RetryMax is how many additional in-request attempts a transient store
	// failure gets before surfacing.
	RetryMax int

	// CacheTTL is the lifetime stamped on write-through entries.
	CacheTTL time.Duration
}

// Orchestrator runs the search pipeline: normalize, cache lookup, embed,
// vector search, write-through or discovery enqueue.
//
// # Description
//
// Cold misses for the same fingerprint coalesce through a singleflight group
// so N concurrent identical queries cost one embedding and one store call.
// The leader re-checks the cache under the flight lock before doing the
// expensive work; waiters receive a copy of the leader's result with their
// own correlation id and latency stamped on.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	normalizer *normalize.Normalizer
	embedder   Embedder
	store      Matcher
	cache      *cache.Tiered
	queue      Enqueuer
	recorder   *analytics.Recorder
	flight     singleflight.Group
	cfg        OrchestratorConfig
	logger     *slog.Logger
}

// NewOrchestrator wires the request path.
func NewOrchestrator(
	normalizer *normalize.Normalizer,
	embedder Embedder,
	store Matcher,
	tiered *cache.Tiered,
	queue Enqueuer,
	recorder *analytics.Recorder,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		normalizer: normalizer,
		embedder:   embedder,
		store:      store,
		cache:      tiered,
		queue:      queue,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "search")),
	}
}

// Search answers one query.
//
// # Description
//
// The pipeline is normalize, fingerprint, tiered cache lookup, then on a miss
// a single-flighted embed + ANN. A match at or above the similarity threshold
// is written through the cache and returned as found. Anything below it
// enqueues a discovery job idempotently and returns processing with the job
// id. Cache-tier failures never surface; store and model failures do.
//
// # Inputs
//
//   - ctx: Carries the request deadline and correlation id. A missing
//     correlation id is minted here.
//   - query: Raw user input.
//
// # Outputs
//
//   - *Result: Never nil on success; Status found or processing.
//   - error: INVALID_QUERY, MODEL_UNAVAILABLE, or STORE_UNAVAILABLE.
func (o *Orchestrator) Search(ctx context.Context, query string) (*Result, error) {
	start := time.Now()
	ctx, correlationID := telemetry.EnsureCorrelationID(ctx)
	ctx, span := searchTracer.Start(ctx, "search.Search")
	defer span.End()

	norm, err := o.normalizer.Normalize(ctx, query)
	if err != nil {
		return nil, o.fail(span, start, correlationID, err)
	}
	if norm.Confidence < minConfidence {
		err := fault.Errorf(fault.KindInvalidQuery, "search.Search",
			"normalization confidence %.2f below floor %.2f", norm.Confidence, minConfidence)
		return nil, o.fail(span, start, correlationID, err)
	}

	fingerprint := cache.Fingerprint(norm.Canonical)
	span.SetAttributes(
		attribute.String("search.canonical", norm.Canonical),
		attribute.String("search.stage", norm.Stage),
	)

	if hit := o.cacheLookup(ctx, fingerprint); hit != nil {
		return o.finish(span, start, correlationID, norm, hit), nil
	}

	v, err, shared := o.flight.Do(fingerprint, func() (any, error) {
		// Recheck under the flight lock: the previous leader (or another
		// process sharing L2) may have written through while this caller
		// was queueing.
		if hit := o.cacheLookup(ctx, fingerprint); hit != nil {
			return hit, nil
		}
		return o.embedAndSearch(ctx, norm.Canonical, fingerprint, correlationID)
	})
	if shared {
		flightSharedTotal.Inc()
		span.SetAttributes(attribute.Bool("search.coalesced", true))
	}
	if err != nil {
		return nil, o.fail(span, start, correlationID, err)
	}

	// Waiters share the leader's value; copy before stamping caller-specific
	// fields. The supplement pointer is immutable and safe to share.
	res := *v.(*Result)
	return o.finish(span, start, correlationID, norm, &res), nil
}

// cacheLookup resolves a cached fingerprint to a full result, or nil on a
// miss. A hit whose supplement row has vanished (removed after the entry was
// written) is invalidated and treated as a miss so the caller re-searches.
func (o *Orchestrator) cacheLookup(ctx context.Context, fingerprint string) *Result {
	entry, tier := o.cache.Lookup(ctx, fingerprint)
	if entry == nil {
		return nil
	}

	sup, err := o.store.Get(ctx, entry.SupplementID)
	if err != nil {
		o.logger.Warn("cached supplement lookup failed",
			slog.String("supplement_id", entry.SupplementID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if sup == nil {
		if err := o.cache.Invalidate(ctx, fingerprint); err != nil {
			o.logger.Warn("stale cache entry invalidation failed",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	return &Result{
		Status:     StatusFound,
		Supplement: sup,
		Similarity: entry.Similarity,
		SourceTier: tier,
	}
}

// embedAndSearch is the cold path run by the flight leader.
func (o *Orchestrator) embedAndSearch(ctx context.Context, canonical, fingerprint, correlationID string) (*Result, error) {
	vector, err := o.embedder.Embed(ctx, canonical)
	if err != nil {
		return nil, err
	}

	matches, err := o.annWithRetry(ctx, vector)
	if err != nil {
		return nil, err
	}

	if len(matches) > 0 {
		best := matches[0]
		// A cancelled request must not populate the cache with a result
		// nobody received.
		if ctx.Err() == nil {
			now := time.Now().UTC()
			o.cache.WriteThrough(ctx, fingerprint, &cache.Entry{
				SupplementID: best.Supplement.ID,
				Similarity:   best.Similarity,
				SourceTier:   TierVector,
				CachedAt:     now,
				ExpiresAt:    now.Add(o.cfg.CacheTTL),
			})
		}
		return &Result{
			Status:     StatusFound,
			Supplement: best.Supplement,
			Similarity: best.Similarity,
			SourceTier: TierVector,
		}, nil
	}

	job, _, err := o.queue.Enqueue(ctx, canonical, correlationID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:     StatusProcessing,
		SourceTier: TierNone,
		JobID:      job.ID,
	}, nil
}

// annWithRetry retries transient store failures within the request budget.
// Non-retryable kinds surface immediately.
func (o *Orchestrator) annWithRetry(ctx context.Context, vector []float32) ([]vectorstore.Match, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = annRetryInitial

	return backoff.Retry(ctx, func() ([]vectorstore.Match, error) {
		matches, err := o.store.ANN(ctx, vector, o.cfg.ANNK, o.cfg.SimilarityThreshold)
		if err != nil && !fault.Retryable(fault.KindOf(err)) {
			return nil, backoff.Permanent(err)
		}
		return matches, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(o.cfg.RetryMax)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("vector search retrying",
				slog.Duration("next_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// finish stamps the caller-specific fields and emits the observability tail
// shared by every successful branch.
func (o *Orchestrator) finish(span trace.Span, start time.Time, correlationID string, norm normalize.Result, res *Result) *Result {
	res.Stage = norm.Stage
	res.Confidence = norm.Confidence
	res.CorrelationID = correlationID
	res.Latency = time.Since(start)

	searchesTotal.WithLabelValues(res.Status, res.SourceTier).Inc()
	searchDuration.Observe(res.Latency.Seconds())
	span.SetAttributes(
		attribute.String("search.outcome", res.Status),
		attribute.String("search.source_tier", res.SourceTier),
		attribute.Float64("search.similarity", res.Similarity),
	)

	o.logger.Info("search completed",
		slog.String("correlation_id", correlationID),
		slog.String("outcome", res.Status),
		slog.String("source_tier", res.SourceTier),
		slog.String("stage", res.Stage),
		slog.Float64("similarity", res.Similarity),
		slog.Int64("latency_ms", res.Latency.Milliseconds()),
	)
	o.recorder.Record(analytics.SearchEvent{
		Outcome:       res.Status,
		SourceTier:    res.SourceTier,
		Similarity:    res.Similarity,
		Latency:       res.Latency,
		CorrelationID: correlationID,
	})
	return res
}

// fail emits the observability tail for a rejected or failed search and
// returns err unchanged.
func (o *Orchestrator) fail(span trace.Span, start time.Time, correlationID string, err error) error {
	kind := fault.KindOf(err)
	outcome := StatusError
	if kind == fault.KindInvalidQuery {
		outcome = StatusInvalid
	}
	latency := time.Since(start)

	searchesTotal.WithLabelValues(outcome, TierNone).Inc()
	searchDuration.Observe(latency.Seconds())
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))

	if outcome == StatusInvalid {
		o.logger.Info("search rejected",
			slog.String("correlation_id", correlationID),
			slog.String("outcome", outcome),
			slog.Int64("latency_ms", latency.Milliseconds()),
		)
		o.recorder.Record(analytics.SearchEvent{
			Outcome:       outcome,
			SourceTier:    TierNone,
			Latency:       latency,
			CorrelationID: correlationID,
		})
	} else {
		o.logger.Error("search failed",
			slog.String("correlation_id", correlationID),
			slog.String("kind", string(kind)),
			slog.Int64("latency_ms", latency.Milliseconds()),
			slog.String("error", err.Error()),
		)
	}
	return err
}
