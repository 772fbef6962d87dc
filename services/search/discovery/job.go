// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package discovery turns unknown queries into graded catalog entries.
//
// The Queue persists jobs durably in BadgerDB and exposes a change-stream;
// the Pool consumes that stream, asks PubMed for evidence, grades it, inserts
// the supplement, and invalidates stale cache entries. Multiple pools can run
// against one queue: correctness comes from the PENDING→IN_FLIGHT
// compare-and-set and from the store treating duplicate inserts as success.
package discovery

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// =============================================================================
// Job States
// =============================================================================

// State is a discovery job's position in its lifecycle. The string values
// appear in the HTTP API, log records, and metric labels.
type State string

const (
	// StatePending means the job is waiting for a worker. Jobs re-enter
	// PENDING on retry with a future NextAttemptAfter.
	StatePending State = "PENDING"

	// StateInFlight means a worker has claimed the job via CAS.
	StateInFlight State = "IN_FLIGHT"

	// StateSucceeded means the supplement was inserted (or already existed)
	// and the cache was invalidated.
	StateSucceeded State = "SUCCEEDED"

	// StateFailed means the attempt budget was exhausted or a permanent
	// error occurred. The query can be re-enqueued once the job record ages
	// out, or immediately through the admin retry operation.
	StateFailed State = "FAILED"

	// StateRejectedNoEvidence means PubMed returned zero studies. A
	// negative marker suppresses re-discovery for the configured window.
	StateRejectedNoEvidence State = "REJECTED_NO_EVIDENCE"
)

// Terminal reports whether the state admits no further transitions (other
// than an explicit admin retry).
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRejectedNoEvidence:
		return true
	default:
		return false
	}
}

// =============================================================================
// Job
// =============================================================================

// Job is one durable discovery unit of work.
//
// # Description
//
// Query is the canonical query exactly as the orchestrator enqueued it;
// FoldedQuery is its case- and accent-insensitive fold, which keys the
// active-job and negative-marker indexes. Attempts is 0-indexed: a job that
// has run once and been rescheduled carries Attempts == 1.
//
// # Thread Safety
//
// Jobs are value records. The Queue hands out fresh copies; workers mutate
// their copy and persist it through a Queue transition method. Never share
// one *Job across goroutines.
type Job struct {
	ID               string
	Query            string
	FoldedQuery      string
	State            State
	Attempts         int
	NextAttemptAfter time.Time
	LastError        string
	EnqueuedAt       time.Time
	CompletedAt      time.Time
	CorrelationID    string
}

// Due reports whether the job's backoff window has passed at the given time.
func (j *Job) Due(now time.Time) bool {
	return !j.NextAttemptAfter.After(now)
}

// =============================================================================
// Codec
// =============================================================================

// encodeJob serializes a job for BadgerDB storage. The gob layout is the
// wire format read back by decodeJob and by cmd/discovery_queue_dump.
func encodeJob(job *Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(job); err != nil {
		return nil, fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&job); err != nil {
		return nil, fmt.Errorf("decoding job record: %w", err)
	}
	return &job, nil
}
