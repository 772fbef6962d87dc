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
	"sync"
	"testing"
	"time"

	"github.com/suplo-health/suplo/services/search/cache"
	"github.com/suplo-health/suplo/services/search/fault"
	"github.com/suplo-health/suplo/services/search/vectorstore"
)

// =============================================================================
// Stubs
// =============================================================================

// stubEvidence serves canned counts or errors, recording calls per term.
type stubEvidence struct {
	mu     sync.Mutex
	counts map[string]int
	errs   map[string][]error // popped per call; empty slice falls through to counts
	calls  int
}

func (s *stubEvidence) Count(ctx context.Context, term string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if queue := s.errs[term]; len(queue) > 0 {
		err := queue[0]
		s.errs[term] = queue[1:]
		return 0, err
	}
	return s.counts[term], nil
}

func (s *stubEvidence) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubEmbedder returns a fixed unit vector, or a queued error.
type stubEmbedder struct {
	mu   sync.Mutex
	errs []error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	vec := make([]float32, 384)
	vec[0] = 1.0
	return vec, nil
}

// stubInserter records inserts and serves one error per configured call.
type stubInserter struct {
	mu       sync.Mutex
	inserted []*vectorstore.Supplement
	errs     []error
}

func (s *stubInserter) Insert(ctx context.Context, sup *vectorstore.Supplement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.inserted = append(s.inserted, sup)
	return nil
}

func (s *stubInserter) insertedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.inserted))
	for i, sup := range s.inserted {
		names[i] = sup.CanonicalName
	}
	return names
}

// stubInvalidator records fingerprint batches and serves queued errors.
type stubInvalidator struct {
	mu      sync.Mutex
	batches [][]string
	errs    []error
}

func (s *stubInvalidator) InvalidateFingerprints(ctx context.Context, fps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.batches = append(s.batches, append([]string(nil), fps...))
	return nil
}

// variantTable is a fixed canonical → variants mapping.
type variantTable map[string][]string

func (v variantTable) Variants(canonical string) []string { return v[canonical] }

// =============================================================================
// Harness
// =============================================================================

type poolFixture struct {
	queue       *Queue
	evidence    *stubEvidence
	embedder    *stubEmbedder
	inserter    *stubInserter
	invalidator *stubInvalidator
	pool        *Pool
}

func newPoolFixture(t *testing.T, variants variantTable) *poolFixture {
	t.Helper()

	f := &poolFixture{
		queue:       openTestQueue(t),
		evidence:    &stubEvidence{counts: map[string]int{}, errs: map[string][]error{}},
		embedder:    &stubEmbedder{},
		inserter:    &stubInserter{},
		invalidator: &stubInvalidator{},
	}
	f.pool = NewPool(f.queue, f.evidence, f.embedder, f.inserter, f.invalidator, variants, PoolConfig{
		Workers:          1,
		MaxAttempts:      3,
		BaseBackoff:      time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		PubMedTimeout:    time.Second,
		BacklogThreshold: 100,
		Thresholds:       GradeThresholds{Strong: 21, Moderate: 5, Low: 1},
	}, testLogger())
	return f
}

// runOnce enqueues the query and drives one processJob pass.
func (f *poolFixture) runOnce(t *testing.T, query string) *Job {
	t.Helper()
	job, _, err := f.queue.Enqueue(context.Background(), query, "corr-worker")
	if err != nil {
		t.Fatalf("Enqueue(%q): %v", query, err)
	}
	f.pool.processJob(context.Background(), job.ID)
	return f.mustGet(t, job.ID)
}

func (f *poolFixture) mustGet(t *testing.T, id string) *Job {
	t.Helper()
	job, err := f.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return job
}

// retryUntilDue re-drives a rescheduled job once its backoff has elapsed.
// Backoffs in tests are a few milliseconds at most.
func (f *poolFixture) retryUntilDue(t *testing.T, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job := f.mustGet(t, id)
		if job.State != StatePending {
			return job
		}
		if job.Due(time.Now()) {
			f.pool.processJob(context.Background(), id)
		} else {
			time.Sleep(2 * time.Millisecond)
		}
	}
	t.Fatalf("job %s still pending after 2s", id)
	return nil
}

// =============================================================================
// Processing Outcomes
// =============================================================================

func TestProcessJob_SuccessPath(t *testing.T) {
	f := newPoolFixture(t, variantTable{"quercetin phytosome": {"quercetina fitosoma"}})
	f.evidence.counts["quercetin phytosome"] = 30

	job := f.runOnce(t, "quercetin phytosome")
	if job.State != StateSucceeded {
		t.Fatalf("state = %s (last error %q)", job.State, job.LastError)
	}
	if job.CompletedAt.IsZero() {
		t.Fatal("CompletedAt not set")
	}

	if got := f.inserter.insertedNames(); len(got) != 1 || got[0] != "quercetin phytosome" {
		t.Fatalf("inserted = %v", got)
	}
	sup := f.inserter.inserted[0]
	if sup.Metadata.EvidenceGrade != "A" || sup.Metadata.StudyCount != 30 {
		t.Fatalf("metadata = %+v", sup.Metadata)
	}
	if sup.Metadata.Category != "discovered" {
		t.Fatalf("category = %q", sup.Metadata.Category)
	}
	if sup.ID != vectorstore.SupplementID("quercetin phytosome") {
		t.Fatalf("unstable supplement ID %q", sup.ID)
	}
	if len(sup.Aliases) != 1 || sup.Aliases[0] != "quercetina fitosoma" {
		t.Fatalf("aliases = %v", sup.Aliases)
	}

	wantFPs := []string{
		cache.Fingerprint("quercetin phytosome"),
		cache.Fingerprint("quercetina fitosoma"),
	}
	if len(f.invalidator.batches) != 1 {
		t.Fatalf("invalidation batches = %d", len(f.invalidator.batches))
	}
	got := f.invalidator.batches[0]
	if len(got) != len(wantFPs) || got[0] != wantFPs[0] || got[1] != wantFPs[1] {
		t.Fatalf("fingerprints = %v, want %v", got, wantFPs)
	}
}

func TestProcessJob_GradingTable(t *testing.T) {
	cases := []struct {
		query     string
		count     int
		wantState State
		wantGrade string
	}{
		{"zero hits", 0, StateRejectedNoEvidence, ""},
		{"three hits", 3, StateSucceeded, "E"},
		{"ten hits", 10, StateSucceeded, "C"},
		{"thirty hits", 30, StateSucceeded, "A"},
	}

	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			f := newPoolFixture(t, nil)
			f.evidence.counts[tc.query] = tc.count

			job := f.runOnce(t, tc.query)
			if job.State != tc.wantState {
				t.Fatalf("state = %s, want %s", job.State, tc.wantState)
			}

			if tc.wantState == StateRejectedNoEvidence {
				if len(f.inserter.inserted) != 0 {
					t.Fatal("rejected job must not insert")
				}
				if len(f.invalidator.batches) != 0 {
					t.Fatal("rejected job must not invalidate")
				}
				return
			}
			if grade := f.inserter.inserted[0].Metadata.EvidenceGrade; grade != tc.wantGrade {
				t.Fatalf("grade = %q, want %q", grade, tc.wantGrade)
			}
		})
	}
}

func TestGradeThresholds_Boundaries(t *testing.T) {
	th := GradeThresholds{Strong: 21, Moderate: 5, Low: 1}

	cases := []struct {
		count     int
		wantGrade string
		wantOK    bool
	}{
		{0, "", false},
		{1, "E", true},
		{4, "E", true},
		{5, "C", true},
		{20, "C", true},
		{21, "A", true},
		{1000, "A", true},
	}
	for _, tc := range cases {
		grade, ok := th.Grade(tc.count)
		if grade != tc.wantGrade || ok != tc.wantOK {
			t.Errorf("Grade(%d) = (%q, %v), want (%q, %v)",
				tc.count, grade, ok, tc.wantGrade, tc.wantOK)
		}
	}
}

func TestProcessJob_RejectionWritesNegativeMarker(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["xyzzy"] = 0

	job := f.runOnce(t, "xyzzy")
	if job.State != StateRejectedNoEvidence {
		t.Fatalf("state = %s", job.State)
	}

	// The next identical search coalesces onto the rejected job instead of
	// queueing another PubMed fetch.
	again, created, err := f.queue.Enqueue(context.Background(), "xyzzy", "corr-2")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("re-enqueue = (%s, %v), want suppressed %s", again.ID, created, job.ID)
	}
	if f.evidence.callCount() != 1 {
		t.Fatalf("evidence calls = %d, want 1", f.evidence.callCount())
	}
}

// =============================================================================
// Retry Policy
// =============================================================================

func TestProcessJob_TransientRetriesThenSucceeds(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["berberine"] = 25
	f.evidence.errs["berberine"] = []error{
		fault.Errorf(fault.KindPubMedTransient, "pubmed.Count", "status 503"),
	}

	job := f.runOnce(t, "berberine")
	if job.State != StatePending || job.Attempts != 1 {
		t.Fatalf("after transient: state=%s attempts=%d", job.State, job.Attempts)
	}
	if job.LastError == "" {
		t.Fatal("LastError not recorded")
	}

	final := f.retryUntilDue(t, job.ID)
	if final.State != StateSucceeded {
		t.Fatalf("final state = %s", final.State)
	}
	if f.evidence.callCount() != 2 {
		t.Fatalf("evidence calls = %d, want 2", f.evidence.callCount())
	}
	if len(f.inserter.inserted) != 1 {
		t.Fatalf("inserts = %d, want 1", len(f.inserter.inserted))
	}
}

func TestProcessJob_PermanentFailsWithoutRetry(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.errs["badterm"] = []error{
		fault.Errorf(fault.KindPubMedPermanent, "pubmed.Count", "status 400"),
	}

	job := f.runOnce(t, "badterm")
	if job.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", job.State)
	}
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (no reschedule)", job.Attempts)
	}
	if f.evidence.callCount() != 1 {
		t.Fatalf("evidence calls = %d", f.evidence.callCount())
	}
}

func TestProcessJob_BudgetExhaustionFails(t *testing.T) {
	f := newPoolFixture(t, nil)
	transient := func() error {
		return fault.Errorf(fault.KindPubMedTransient, "pubmed.Count", "status 503")
	}
	f.evidence.errs["flaky"] = []error{transient(), transient(), transient(), transient()}

	job := f.runOnce(t, "flaky")
	final := f.retryUntilDue(t, job.ID)

	if final.State != StateFailed {
		t.Fatalf("final state = %s", final.State)
	}
	// MaxAttempts=3: the initial try plus two retries, then fail.
	if f.evidence.callCount() != 3 {
		t.Fatalf("evidence calls = %d, want 3", f.evidence.callCount())
	}
	if _, present, _ := f.queue.NegativeMarker(context.Background(), "flaky"); present {
		t.Fatal("FAILED must not write a negative marker")
	}
}

func TestProcessJob_DuplicateInsertIsSuccess(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["zinc picolinate"] = 12
	f.inserter.errs = []error{
		fault.Errorf(fault.KindDuplicate, "vectorstore.Insert", "canonical name taken"),
	}

	job := f.runOnce(t, "zinc picolinate")
	if job.State != StateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", job.State)
	}
	// Invalidation still ran even though the insert collapsed.
	if len(f.invalidator.batches) != 1 {
		t.Fatalf("invalidation batches = %d, want 1", len(f.invalidator.batches))
	}
}

func TestProcessJob_InvalidEmbeddingIsPermanent(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["glitch"] = 12
	f.inserter.errs = []error{
		fault.Errorf(fault.KindInvalidEmbedding, "vectorstore.Insert", "norm 0.2"),
	}

	job := f.runOnce(t, "glitch")
	if job.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", job.State)
	}
}

func TestProcessJob_InvalidationFailureReschedules(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["magnesium glycinate"] = 40
	f.invalidator.errs = []error{
		fault.Errorf(fault.KindCacheUnavailable, "cache.Invalidate", "tier down"),
	}

	job := f.runOnce(t, "magnesium glycinate")
	if job.State != StatePending || job.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d, want rescheduled", job.State, job.Attempts)
	}

	final := f.retryUntilDue(t, job.ID)
	if final.State != StateSucceeded {
		t.Fatalf("final state = %s", final.State)
	}
	// Redelivery inserted again; production stores report DUPLICATE, the
	// recording stub just appends.
	if len(f.invalidator.batches) != 1 {
		t.Fatalf("successful invalidations = %d, want 1", len(f.invalidator.batches))
	}
}

func TestProcessJob_ModelUnavailableIsRetryable(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["taurine"] = 9
	f.embedder.errs = []error{
		fault.Errorf(fault.KindModelUnavailable, "embedding.Embed", "still warming"),
	}

	job := f.runOnce(t, "taurine")
	if job.State != StatePending || job.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d, want rescheduled", job.State, job.Attempts)
	}

	final := f.retryUntilDue(t, job.ID)
	if final.State != StateSucceeded {
		t.Fatalf("final state = %s", final.State)
	}
}

func TestProcessJob_LostClaimIsNoop(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["creatine"] = 100

	job, _, err := f.queue.Enqueue(context.Background(), "creatine", "corr")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mustClaim(t, f.queue, job.ID) // someone else owns it now

	f.pool.processJob(context.Background(), job.ID)
	if f.evidence.callCount() != 0 {
		t.Fatal("lost claim must not reach PubMed")
	}
}

// =============================================================================
// Backoff Shape
// =============================================================================

func TestRetryDelay_ExponentialWithBoundedJitter(t *testing.T) {
	base := 100 * time.Millisecond

	for attempts := 1; attempts <= 3; attempts++ {
		center := time.Duration(1<<attempts) * base
		lo := time.Duration(float64(center) * (1 - retryJitterFrac))
		hi := time.Duration(float64(center) * (1 + retryJitterFrac))

		for i := 0; i < 200; i++ {
			d := retryDelay(base, attempts)
			if d < lo || d > hi {
				t.Fatalf("attempts=%d delay=%s outside [%s, %s]", attempts, d, lo, hi)
			}
		}
	}
}

// =============================================================================
// Pool Lifecycle
// =============================================================================

func TestPool_RunProcessesStreamedJob(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.evidence.counts["rhodiola rosea"] = 18

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	// Let the change-stream subscription attach before enqueueing.
	time.Sleep(50 * time.Millisecond)

	job, _, err := f.queue.Enqueue(context.Background(), "rhodiola rosea", "corr-run")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := f.mustGet(t, job.ID)
		if got.State == StateSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not drain after cancel")
	}
}
