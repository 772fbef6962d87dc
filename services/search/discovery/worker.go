// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package discovery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/suplo-health/suplo/services/search/cache"
	"github.com/suplo-health/suplo/services/search/embedding"
	"github.com/suplo-health/suplo/services/search/fault"
	"github.com/suplo-health/suplo/services/search/vectorstore"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	jobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "discovery",
		Name:      "jobs_processed_total",
		Help:      "Claimed jobs by outcome: succeeded, rejected, failed, rescheduled.",
	}, []string{"outcome"})

	jobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "suplo",
		Subsystem: "discovery",
		Name:      "job_duration_seconds",
		Help:      "Wall time from claim to terminal transition or reschedule.",
		Buckets:   prometheus.DefBuckets,
	})

	queuePopulation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "suplo",
		Subsystem: "discovery",
		Name:      "queue_population",
		Help:      "Jobs currently in the queue, by state.",
	}, []string{"state"})
)

// =============================================================================
// Collaborator Contracts
// =============================================================================

// EvidenceLookup counts supporting studies for a query. *PubMedClient is the
// production implementation; tests stub it.
type EvidenceLookup interface {
	Count(ctx context.Context, term string) (int, error)
}

// Embedder produces the supplement vector. *embedding.Service in production.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Inserter adds the discovered supplement. *vectorstore.Store in production.
type Inserter interface {
	Insert(ctx context.Context, sup *vectorstore.Supplement) error
}

// CacheInvalidator removes stale fingerprints after an insert.
// *cache.Invalidator in production.
type CacheInvalidator interface {
	InvalidateFingerprints(ctx context.Context, fingerprints []string) error
}

// VariantSource lists a canonical name's dictionary variants so their cached
// fingerprints can be invalidated too. *normalize.Normalizer in production.
type VariantSource interface {
	Variants(canonical string) []string
}

// =============================================================================
// Grading
// =============================================================================

// GradeThresholds maps a study count onto an evidence grade. A count below
// Low (or zero) is not enough evidence to create a supplement at all.
type GradeThresholds struct {
	Strong   int
	Moderate int
	Low      int
}

// Grade returns the evidence grade for a study count, or ok=false when the
// count is below the evidence floor.
func (t GradeThresholds) Grade(count int) (string, bool) {
	switch {
	case count >= t.Strong:
		return "A", true
	case count >= t.Moderate:
		return "C", true
	case count >= t.Low && count > 0:
		return "E", true
	default:
		return "", false
	}
}

// =============================================================================
// Pool
// =============================================================================

// duePollBatch bounds how many overdue jobs one poll tick re-submits.
const duePollBatch = 64

// backlogCheckInterval is how often the monitor samples queue population.
const backlogCheckInterval = 15 * time.Second

// jobOverheadBudget is the time allowed for embed, insert, and invalidation
// after the PubMed call, on the detached per-job context.
const jobOverheadBudget = 30 * time.Second

// retryJitterFrac spreads retry delays by ±20% so synchronized failures do
// not retry in lockstep.
const retryJitterFrac = 0.2

// PoolConfig sizes the worker pool and its retry policy.
type PoolConfig struct {
	// Workers is the number of concurrent job processors.
	Workers int

	// MaxAttempts is the total attempt budget per job (initial try
	// included) before it fails.
	MaxAttempts int

	// BaseBackoff is the unit for the exponential retry delay
	// 2^attempts * base.
	BaseBackoff time.Duration

	// PollInterval is how often the scheduler re-submits overdue retries.
	PollInterval time.Duration

	// PubMedTimeout bounds one evidence call.
	PubMedTimeout time.Duration

	// BacklogThreshold fires the backlog alarm when PENDING exceeds it.
	BacklogThreshold int

	// Thresholds grades study counts.
	Thresholds GradeThresholds
}

// Pool consumes the queue's change stream and processes jobs.
//
// # Description
//
// Run starts four kinds of goroutines under one errgroup: the change-stream
// consumer, the due-retry poll scheduler, the backlog monitor, and Workers
// job processors. A claimed job runs on a context detached from shutdown so
// draining never abandons a half-spent PubMed call; cancellation only stops
// the pool between jobs.
//
// # Thread Safety
//
// Multiple pools may run against one queue, in one process or several.
type Pool struct {
	queue       *Queue
	evidence    EvidenceLookup
	embedder    Embedder
	store       Inserter
	invalidator CacheInvalidator
	variants    VariantSource
	cfg         PoolConfig
	logger      *slog.Logger
}

// NewPool wires a worker pool. variants may be nil when no dictionary is
// loaded; invalidation then covers only the canonical fingerprint.
func NewPool(
	queue *Queue,
	evidence EvidenceLookup,
	embedder Embedder,
	store Inserter,
	invalidator CacheInvalidator,
	variants VariantSource,
	cfg PoolConfig,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:       queue,
		evidence:    evidence,
		embedder:    embedder,
		store:       store,
		invalidator: invalidator,
		variants:    variants,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "discovery.worker")),
	}
}

// Run blocks processing jobs until ctx is cancelled, then returns once every
// in-flight job has reached a transition.
func (p *Pool) Run(ctx context.Context) error {
	jobs := make(chan string, duePollBatch)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.queue.Watch(ctx, jobs) })
	g.Go(func() error { return p.pollDue(ctx, jobs) })
	g.Go(func() error { return p.monitorBacklog(ctx) })
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.consume(ctx, jobs) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// consume claims and processes job IDs until cancellation.
func (p *Pool) consume(ctx context.Context, jobs <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-jobs:
			p.processJob(ctx, id)
		}
	}
}

// pollDue re-submits PENDING jobs whose backoff has elapsed. The change
// stream announces reschedules when they happen, which is usually before
// they are due; this scheduler is what actually gets them retried.
func (p *Pool) pollDue(ctx context.Context, jobs chan<- string) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ids, err := p.queue.DuePending(ctx, duePollBatch)
		if err != nil {
			p.logger.Warn("due-job poll failed", slog.String("error", err.Error()))
			continue
		}
		for _, id := range ids {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// monitorBacklog samples queue population into the gauge and raises the
// backlog alarm. Alarming never blocks enqueues; it is observability only.
func (p *Pool) monitorBacklog(ctx context.Context) error {
	ticker := time.NewTicker(backlogCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		stats, err := p.queue.Stats(ctx)
		if err != nil {
			p.logger.Warn("backlog sample failed", slog.String("error", err.Error()))
			continue
		}
		for _, state := range []State{StatePending, StateInFlight, StateSucceeded, StateFailed, StateRejectedNoEvidence} {
			queuePopulation.WithLabelValues(string(state)).Set(float64(stats.ByState[state]))
		}

		if pending := stats.ByState[StatePending]; pending > p.cfg.BacklogThreshold {
			p.logger.Error("discovery backlog above threshold",
				slog.Int("backlog", pending),
				slog.Int("threshold", p.cfg.BacklogThreshold),
			)
		}
	}
}

// =============================================================================
// Job Processing
// =============================================================================

// processJob drives one claimed job to a transition. Worker errors never
// propagate; they become job state plus logs and metrics.
func (p *Pool) processJob(ctx context.Context, id string) {
	job, ok, err := p.queue.ClaimPending(ctx, id)
	if err != nil {
		p.logger.Warn("claim failed", slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}
	if !ok {
		return // lost the CAS, not due yet, or already terminal
	}

	start := time.Now()
	defer func() {
		jobDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	// Once claimed, the job finishes even if the pool is draining. The
	// per-job deadline is the only cancellation that applies now.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		p.cfg.PubMedTimeout+jobOverheadBudget)
	defer cancel()

	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("query", job.Query),
		slog.String("correlation_id", job.CorrelationID),
		slog.Int("attempts", job.Attempts),
	)

	// The enqueue-side marker check races with rejection of an identical
	// query; re-checking here keeps the race window from costing a second
	// PubMed fetch.
	if _, suppressed, err := p.queue.NegativeMarker(jobCtx, job.FoldedQuery); err == nil && suppressed {
		if err := p.queue.CompleteRejected(jobCtx, job, "suppressed by live negative marker"); err != nil {
			logger.Error("rejection transition failed", slog.String("error", err.Error()))
			return
		}
		jobsProcessedTotal.WithLabelValues("rejected").Inc()
		logger.Info("job rejected by negative marker")
		return
	}

	pmCtx, pmCancel := context.WithTimeout(jobCtx, p.cfg.PubMedTimeout)
	count, err := p.evidence.Count(pmCtx, job.Query)
	pmCancel()
	if err != nil {
		p.retryOrFail(jobCtx, job, err, logger)
		return
	}

	grade, enough := p.cfg.Thresholds.Grade(count)
	if !enough {
		if err := p.queue.CompleteRejected(jobCtx, job, "no PubMed evidence"); err != nil {
			logger.Error("rejection transition failed", slog.String("error", err.Error()))
			return
		}
		jobsProcessedTotal.WithLabelValues("rejected").Inc()
		logger.Info("job rejected, no evidence", slog.Int("study_count", count))
		return
	}

	variants := p.variantsFor(job.Query)
	vector, err := p.embedder.Embed(jobCtx, embedding.Document(job.Query, variants))
	if err != nil {
		p.retryOrFail(jobCtx, job, err, logger)
		return
	}

	now := time.Now().UTC()
	sup := &vectorstore.Supplement{
		ID:            vectorstore.SupplementID(job.Query),
		CanonicalName: job.Query,
		Aliases:       variants,
		Embedding:     vector,
		Metadata: vectorstore.Metadata{
			EvidenceGrade: grade,
			StudyCount:    count,
			Category:      "discovered",
			FirstSeen:     now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = p.store.Insert(jobCtx, sup)
	switch {
	case err == nil:
	case fault.IsKind(err, fault.KindDuplicate):
		// Another worker (or the admin path) inserted first. The cache
		// still needs invalidating, so fall through.
		logger.Info("supplement already present, treating insert as success")
	default:
		p.retryOrFail(jobCtx, job, err, logger)
		return
	}

	fps := invalidationFingerprints(job.Query, variants)
	if err := p.invalidator.InvalidateFingerprints(jobCtx, fps); err != nil {
		// Serving stale entries is worse than re-running the job: the
		// redelivered insert collapses to DUPLICATE and invalidation gets
		// another chance.
		p.retryOrFail(jobCtx, job, err, logger)
		return
	}

	if err := p.queue.CompleteSuccess(jobCtx, job); err != nil {
		logger.Error("success transition failed", slog.String("error", err.Error()))
		return
	}
	jobsProcessedTotal.WithLabelValues("succeeded").Inc()
	logger.Info("discovery job succeeded",
		slog.String("grade", grade),
		slog.Int("study_count", count),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// retryOrFail reschedules a transient failure with exponential backoff, or
// finalizes the job as FAILED when the error is permanent or the attempt
// budget is spent.
func (p *Pool) retryOrFail(ctx context.Context, job *Job, cause error, logger *slog.Logger) {
	kind := fault.KindOf(cause)

	if !workerRetryable(kind) {
		p.failJob(ctx, job, cause, logger)
		return
	}
	if job.Attempts+1 >= p.cfg.MaxAttempts {
		p.failJob(ctx, job, cause, logger)
		return
	}

	delay := retryDelay(p.cfg.BaseBackoff, job.Attempts+1)
	if err := p.queue.Reschedule(ctx, job, cause.Error(), delay); err != nil {
		logger.Error("reschedule failed", slog.String("error", err.Error()))
		return
	}
	jobsProcessedTotal.WithLabelValues("rescheduled").Inc()
	logger.Info("job rescheduled",
		slog.String("error_kind", string(kind)),
		slog.Duration("delay", delay),
		slog.Int("next_attempt", job.Attempts),
	)
}

func (p *Pool) failJob(ctx context.Context, job *Job, cause error, logger *slog.Logger) {
	if err := p.queue.Fail(ctx, job, cause.Error()); err != nil {
		logger.Error("failure transition failed", slog.String("error", err.Error()))
		return
	}
	jobsProcessedTotal.WithLabelValues("failed").Inc()
	logger.Error("discovery job failed",
		slog.String("error_kind", string(fault.KindOf(cause))),
		slog.String("error", cause.Error()),
		slog.Int("attempts", job.Attempts+1),
		slog.String("enqueued_at", job.EnqueuedAt.Format(time.RFC3339)),
	)
}

func (p *Pool) variantsFor(canonical string) []string {
	if p.variants == nil {
		return nil
	}
	return p.variants.Variants(canonical)
}

// workerRetryable extends the base retry classification with worker-specific
// cases: the model may still be warming when the pool starts, and a failed
// invalidation must not be dropped or the cache serves stale entries.
func workerRetryable(kind fault.Kind) bool {
	switch kind {
	case fault.KindModelUnavailable, fault.KindCacheUnavailable:
		return true
	default:
		return fault.Retryable(kind)
	}
}

// retryDelay computes 2^attempts * base with ±20% jitter.
func retryDelay(base time.Duration, attempts int) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	d := float64(base) * float64(int64(1)<<attempts)
	jitter := 1 + (rand.Float64()*2-1)*retryJitterFrac
	return time.Duration(d * jitter)
}

// invalidationFingerprints covers the canonical query and every dictionary
// variant that may have been cached under its own spelling.
func invalidationFingerprints(canonical string, variants []string) []string {
	fps := make([]string, 0, len(variants)+1)
	seen := make(map[string]struct{}, len(variants)+1)

	for _, s := range append([]string{canonical}, variants...) {
		fp := cache.Fingerprint(s)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		fps = append(fps, fp)
	}
	return fps
}
