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
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/suplo-health/suplo/services/search/fault"
	"github.com/suplo-health/suplo/services/search/normalize"
	"github.com/suplo-health/suplo/services/search/storage/badgerstore"
)

// =============================================================================
// Keys
// =============================================================================

// Key prefixes inside the queue BadgerDB. cmd/discovery_queue_dump repeats
// these; keep them in sync.
const (
	// jobKeyPrefix + job ID → gob-encoded Job. Active jobs carry no TTL;
	// terminal jobs carry the retention TTL.
	jobKeyPrefix = "queue/job/v1/"

	// activeKeyPrefix + folded query → job ID of the one non-terminal job
	// for that query. This index is what makes Enqueue idempotent.
	activeKeyPrefix = "queue/active/v1/"

	// negativeKeyPrefix + folded query → job ID of the REJECTED_NO_EVIDENCE
	// job, with the negative-suppression TTL. While present, the query is
	// not re-fetched from PubMed.
	negativeKeyPrefix = "queue/neg/v1/"
)

func jobKey(id string) []byte          { return []byte(jobKeyPrefix + id) }
func activeKey(folded string) []byte   { return []byte(activeKeyPrefix + folded) }
func negativeKey(folded string) []byte { return []byte(negativeKeyPrefix + folded) }

// =============================================================================
// Metrics
// =============================================================================

var (
	enqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "discovery",
		Name:      "enqueue_total",
		Help:      "Enqueue calls by outcome: created, coalesced, suppressed.",
	}, []string{"outcome"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "discovery",
		Name:      "transitions_total",
		Help:      "Job state transitions by destination state.",
	}, []string{"to_state"})
)

// =============================================================================
// Queue
// =============================================================================

// enqueueRetries bounds how often Enqueue replays its transaction after a
// serialization conflict with a concurrent enqueue of the same query.
const enqueueRetries = 3

// QueueConfig sets the durable queue's retention behavior.
type QueueConfig struct {
	// Retention is how long terminal jobs stay queryable before BadgerDB
	// reclaims them.
	Retention time.Duration

	// NegativeTTL is how long a REJECTED_NO_EVIDENCE marker suppresses
	// re-discovery of the same query.
	NegativeTTL time.Duration
}

// Queue is the durable discovery job store.
//
// # Description
//
// Jobs live in BadgerDB under three key families: the job records, an
// active-job index keyed by folded query (idempotence), and negative markers
// keyed by folded query (no-evidence suppression). Every transition into
// PENDING is observable through Watch, which adapts BadgerDB's change
// stream; admin observers additionally get Hub events.
//
// # Thread Safety
//
// Safe for concurrent use. Races between concurrent Enqueues or Claims
// resolve through BadgerDB transaction conflicts.
type Queue struct {
	db     *badgerstore.DB
	cfg    QueueConfig
	hub    *Hub
	logger *slog.Logger

	// now is the clock; tests substitute it to exercise backoff windows.
	now func() time.Time
}

// NewQueue wraps an open BadgerDB as a job queue. hub may be nil when no
// observer surface is wired (the dump tool, some tests).
func NewQueue(db *badgerstore.DB, cfg QueueConfig, hub *Hub, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:     db,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With(slog.String("component", "discovery.queue")),
		now:    time.Now,
	}
}

// =============================================================================
// Enqueue
// =============================================================================

// Enqueue records a discovery job for the canonical query.
//
// # Description
//
// Idempotent per query: when a non-terminal job for the same folded query
// already exists its record is returned and no row is created. When a
// negative marker is live the rejected job is returned instead, again
// without creating a row, so repeated searches for a no-evidence query do
// not refill the queue.
//
// # Inputs
//
//   - ctx: Bounds the transaction.
//   - query: Canonical query. Must be non-empty after folding.
//   - correlationID: Propagated from the triggering request for log joins.
//
// # Outputs
//
//   - *Job: The created or pre-existing job. Never nil on success.
//   - bool: True when a new job row was created.
//   - error: INVALID_QUERY for an empty fold, otherwise storage errors.
func (q *Queue) Enqueue(ctx context.Context, query, correlationID string) (*Job, bool, error) {
	folded := normalize.Clean(query)
	if folded == "" {
		return nil, false, fault.Errorf(fault.KindInvalidQuery, "discovery.Enqueue",
			"query %q is empty after folding", query)
	}

	var (
		job     *Job
		created bool
		outcome string
	)

	var err error
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		job, created, outcome, err = q.tryEnqueue(ctx, query, folded, correlationID)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		// A concurrent enqueue of the same query committed first; replay
		// and coalesce onto its job.
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.KindStoreUnavailable, "discovery.Enqueue", err)
	}

	enqueueTotal.WithLabelValues(outcome).Inc()
	if created {
		q.publish(EventEnqueued, job)
		q.logger.Info("discovery job enqueued",
			slog.String("job_id", job.ID),
			slog.String("query", job.Query),
			slog.String("correlation_id", correlationID),
		)
	}
	return job, created, nil
}

// tryEnqueue runs one enqueue transaction. outcome is one of created,
// coalesced, suppressed.
func (q *Queue) tryEnqueue(ctx context.Context, query, folded, correlationID string) (*Job, bool, string, error) {
	var (
		job     *Job
		created bool
		outcome string
	)

	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		// Negative marker first: a recent no-evidence rejection answers the
		// enqueue without touching the queue.
		if existing, err := q.jobByMarker(txn, negativeKey(folded)); err != nil {
			return err
		} else if existing != nil {
			job, created, outcome = existing, false, "suppressed"
			return nil
		}

		// Active-job index: coalesce onto the in-progress job.
		if existing, err := q.jobByMarker(txn, activeKey(folded)); err != nil {
			return err
		} else if existing != nil && !existing.State.Terminal() {
			job, created, outcome = existing, false, "coalesced"
			return nil
		}

		fresh := &Job{
			ID:            uuid.NewString(),
			Query:         query,
			FoldedQuery:   folded,
			State:         StatePending,
			EnqueuedAt:    q.now().UTC(),
			CorrelationID: correlationID,
		}
		encoded, err := encodeJob(fresh)
		if err != nil {
			return err
		}
		if err := txn.Set(jobKey(fresh.ID), encoded); err != nil {
			return err
		}
		if err := txn.Set(activeKey(folded), []byte(fresh.ID)); err != nil {
			return err
		}
		job, created, outcome = fresh, true, "created"
		return nil
	})
	return job, created, outcome, err
}

// jobByMarker resolves an index entry to its job record. A marker pointing
// at a reclaimed job is treated as absent and removed, so a stale index can
// never wedge a query.
func (q *Queue) jobByMarker(txn *badger.Txn, key []byte) (*Job, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	jobItem, err := txn.Get(jobKey(string(id)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		if derr := txn.Delete(key); derr != nil {
			return nil, derr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := jobItem.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// =============================================================================
// Lookups
// =============================================================================

// Get returns the job by ID, or NOT_FOUND once retention has reclaimed it.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		job, err = decodeJob(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fault.Errorf(fault.KindNotFound, "discovery.Get", "job %s", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "discovery.Get", err)
	}
	return job, nil
}

// NegativeMarker reports whether a live no-evidence marker suppresses the
// folded query, and which job wrote it.
func (q *Queue) NegativeMarker(ctx context.Context, folded string) (string, bool, error) {
	var id string
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(negativeKey(folded))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = string(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Wrap(fault.KindStoreUnavailable, "discovery.NegativeMarker", err)
	}
	return id, true, nil
}

// DuePending lists IDs of PENDING jobs whose backoff window has passed, up
// to limit. The poll scheduler feeds these back to the workers; claims
// de-duplicate against the change stream.
func (q *Queue) DuePending(ctx context.Context, limit int) ([]string, error) {
	now := q.now()
	var ids []string

	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(ids) < limit; it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := decodeJob(raw)
			if err != nil {
				q.logger.Warn("skipping undecodable job record",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()),
				)
				continue
			}
			if job.State == StatePending && job.Due(now) {
				ids = append(ids, job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "discovery.DuePending", err)
	}
	return ids, nil
}

// QueueStats summarizes queue population for the stats endpoint and the
// backlog monitor.
type QueueStats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"by_state"`
}

// Stats counts jobs per state with one scan.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{ByState: make(map[State]int, 5)}

	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := decodeJob(raw)
			if err != nil {
				continue
			}
			stats.Total++
			stats.ByState[job.State]++
		}
		return nil
	})
	if err != nil {
		return QueueStats{}, fault.Wrap(fault.KindStoreUnavailable, "discovery.Stats", err)
	}
	return stats, nil
}

// ForEach visits every job record. Used by the debug endpoint and the CLI;
// the visitor must not retain the job across calls.
func (q *Queue) ForEach(ctx context.Context, fn func(*Job) error) error {
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := decodeJob(raw)
			if err != nil {
				continue
			}
			if err := fn(job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "discovery.ForEach", err)
	}
	return nil
}

// =============================================================================
// Transitions
// =============================================================================

// ClaimPending attempts the PENDING → IN_FLIGHT compare-and-set.
//
// # Description
//
// Returns ok=false without error when the job is gone, not PENDING, not yet
// due, or another worker's claim committed first. Those are normal
// multi-worker outcomes, not failures.
//
// # Outputs
//
//   - *Job: The claimed job (state already IN_FLIGHT) when ok.
//   - bool: Whether this caller owns the job.
//   - error: Storage failures only.
func (q *Queue) ClaimPending(ctx context.Context, id string) (*Job, bool, error) {
	var job *Job

	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		candidate, err := decodeJob(raw)
		if err != nil {
			return err
		}
		if candidate.State != StatePending || !candidate.Due(q.now()) {
			return errNotClaimable
		}

		candidate.State = StateInFlight
		encoded, err := encodeJob(candidate)
		if err != nil {
			return err
		}
		if err := txn.Set(jobKey(id), encoded); err != nil {
			return err
		}
		job = candidate
		return nil
	})

	switch {
	case err == nil:
		transitionsTotal.WithLabelValues(string(StateInFlight)).Inc()
		q.publish(EventStarted, job)
		return job, true, nil
	case errors.Is(err, errNotClaimable),
		errors.Is(err, badger.ErrConflict),
		errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	default:
		return nil, false, fault.Wrap(fault.KindStoreUnavailable, "discovery.ClaimPending", err)
	}
}

var errNotClaimable = errors.New("job not claimable")

// Reschedule returns an IN_FLIGHT job to PENDING after a transient failure.
// The caller computes the backoff delay; attempts increments here.
func (q *Queue) Reschedule(ctx context.Context, job *Job, cause string, delay time.Duration) error {
	job.Attempts++
	job.State = StatePending
	job.NextAttemptAfter = q.now().Add(delay).UTC()
	job.LastError = cause

	err := q.writeJob(ctx, job, 0)
	if err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "discovery.Reschedule", err)
	}
	transitionsTotal.WithLabelValues(string(StatePending)).Inc()
	q.publish(EventRetrying, job)
	return nil
}

// CompleteSuccess finalizes a job as SUCCEEDED.
func (q *Queue) CompleteSuccess(ctx context.Context, job *Job) error {
	return q.complete(ctx, job, StateSucceeded, "", false)
}

// CompleteRejected finalizes a job as REJECTED_NO_EVIDENCE and writes the
// negative marker that suppresses re-discovery.
func (q *Queue) CompleteRejected(ctx context.Context, job *Job, reason string) error {
	return q.complete(ctx, job, StateRejectedNoEvidence, reason, true)
}

// Fail finalizes a job as FAILED. No negative marker: the query may be
// legitimate and worth re-discovering once the job record ages out.
func (q *Queue) Fail(ctx context.Context, job *Job, cause string) error {
	return q.complete(ctx, job, StateFailed, cause, false)
}

func (q *Queue) complete(ctx context.Context, job *Job, state State, cause string, negative bool) error {
	job.State = state
	job.LastError = cause
	job.CompletedAt = q.now().UTC()

	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		encoded, err := encodeJob(job)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(jobKey(job.ID), encoded).WithTTL(q.cfg.Retention)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if err := txn.Delete(activeKey(job.FoldedQuery)); err != nil {
			return err
		}
		if negative {
			marker := badger.NewEntry(negativeKey(job.FoldedQuery), []byte(job.ID)).
				WithTTL(q.cfg.NegativeTTL)
			if err := txn.SetEntry(marker); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "discovery.complete", err)
	}

	transitionsTotal.WithLabelValues(string(state)).Inc()
	q.publish(EventCompleted, job)
	return nil
}

// Retry resets a terminal job to PENDING with a fresh attempt budget. Admin
// operation; clears any negative marker so the worker re-fetches PubMed.
func (q *Queue) Retry(ctx context.Context, id string) (*Job, error) {
	var job *Job

	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		candidate, err := decodeJob(raw)
		if err != nil {
			return err
		}
		if !candidate.State.Terminal() {
			return fault.Errorf(fault.KindDuplicate, "discovery.Retry",
				"job %s is %s, not terminal", id, candidate.State)
		}

		candidate.State = StatePending
		candidate.Attempts = 0
		candidate.NextAttemptAfter = time.Time{}
		candidate.LastError = ""
		candidate.CompletedAt = time.Time{}

		encoded, err := encodeJob(candidate)
		if err != nil {
			return err
		}
		// Plain Set clears the retention TTL: the job is active again.
		if err := txn.Set(jobKey(id), encoded); err != nil {
			return err
		}
		if err := txn.Set(activeKey(candidate.FoldedQuery), []byte(id)); err != nil {
			return err
		}
		if err := txn.Delete(negativeKey(candidate.FoldedQuery)); err != nil {
			return err
		}
		job = candidate
		return nil
	})

	var fe *fault.Error
	switch {
	case err == nil:
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, fault.Errorf(fault.KindNotFound, "discovery.Retry", "job %s", id)
	case errors.As(err, &fe):
		return nil, err
	default:
		return nil, fault.Wrap(fault.KindStoreUnavailable, "discovery.Retry", err)
	}

	transitionsTotal.WithLabelValues(string(StatePending)).Inc()
	q.publish(EventEnqueued, job)
	q.logger.Info("discovery job re-queued by admin", slog.String("job_id", id))
	return job, nil
}

// writeJob persists a job record, with TTL when ttl > 0.
func (q *Queue) writeJob(ctx context.Context, job *Job, ttl time.Duration) error {
	return q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		encoded, err := encodeJob(job)
		if err != nil {
			return err
		}
		if ttl > 0 {
			return txn.SetEntry(badger.NewEntry(jobKey(job.ID), encoded).WithTTL(ttl))
		}
		return txn.Set(jobKey(job.ID), encoded)
	})
}

// =============================================================================
// Change Stream
// =============================================================================

// Watch adapts BadgerDB's change stream into job IDs for the worker pool.
//
// # Description
//
// Every committed write under the job prefix is inspected; records in state
// PENDING push their ID into jobs. This delivers both fresh enqueues and
// retry reschedules. Reschedules usually arrive before they are due; the
// claim CAS filters those, and the poll scheduler re-delivers them later.
// Blocks until ctx is done.
//
// # Inputs
//
//   - ctx: Cancellation stops the subscription.
//   - jobs: Receives job IDs. The caller owns the channel.
//
// # Outputs
//
//   - error: The subscription error, or nil on clean cancellation.
func (q *Queue) Watch(ctx context.Context, jobs chan<- string) error {
	matches := []pb.Match{{Prefix: []byte(jobKeyPrefix)}}

	err := q.db.Badger().Subscribe(ctx, func(kvs *badger.KVList) error {
		for _, kv := range kvs.Kv {
			if len(kv.Value) == 0 {
				continue // deletes and TTL reclaims
			}
			job, err := decodeJob(kv.Value)
			if err != nil {
				q.logger.Warn("undecodable record on change stream",
					slog.String("key", string(kv.Key)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if job.State != StatePending {
				continue
			}
			select {
			case jobs <- job.ID:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}, matches)

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindStoreUnavailable, "discovery.Watch", err)
	}
	return nil
}

// publish forwards a job transition to the observer hub, if one is wired.
func (q *Queue) publish(t EventType, job *Job) {
	if q.hub == nil {
		return
	}
	q.hub.Publish(Event{
		Type:     t,
		JobID:    job.ID,
		Query:    job.Query,
		State:    job.State,
		Attempts: job.Attempts,
		At:       q.now().UTC(),
	})
}
