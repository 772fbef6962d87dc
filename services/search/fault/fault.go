// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package fault defines the error taxonomy shared by every search component.
//
// Components classify failures into a small set of Kinds rather than exposing
// implementation errors across package boundaries. The HTTP layer maps Kinds
// to status codes; the discovery worker maps them to job outcomes; the
// logging layer records them as the error_kind field. Wrapped causes are
// preserved via errors.Unwrap so callers can still reach sentinel errors
// (context.DeadlineExceeded, badger.ErrKeyNotFound) when they need to.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind classifies a failure by how the system recovers from it, not by which
// package produced it. The string values appear verbatim in log records and
// metric labels, so they are stable identifiers.
type Kind string

const (
	// KindInvalidQuery means the query was rejected before any lookup ran:
	// empty after cleaning, longer than the maximum, or normalized with
	// confidence below the floor. No recovery; the caller must fix the input.
	KindInvalidQuery Kind = "INVALID_QUERY"

	// KindNotFound means no supplement matched above the similarity
	// threshold. Recovery is asynchronous: a discovery job is enqueued and
	// the caller is told the query is processing.
	KindNotFound Kind = "NOT_FOUND"

	// KindStoreUnavailable means the vector store could not serve the
	// operation (connection refused, timeout, index corrupt). The request
	// path retries a bounded number of times with jitter before surfacing.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"

	// KindCacheUnavailable means a cache tier failed. Never surfaces to the
	// caller; the orchestrator degrades to the next tier with a warning log.
	KindCacheUnavailable Kind = "CACHE_UNAVAILABLE"

	// KindModelUnavailable means the embedding model artifact could not be
	// loaded. There is no fallback; requests that need an embedding fail.
	KindModelUnavailable Kind = "MODEL_UNAVAILABLE"

	// KindLLMTimeout means the LLM translation hop exceeded its deadline or
	// returned an unusable payload. The normalizer proceeds to passthrough;
	// this kind never surfaces to the caller.
	KindLLMTimeout Kind = "LLM_TIMEOUT"

	// KindPubMedTransient means PubMed failed in a way worth retrying
	// (429, 5xx, network error). The worker reschedules with exponential
	// backoff up to its attempt budget.
	KindPubMedTransient Kind = "PUBMED_TRANSIENT"

	// KindPubMedPermanent means PubMed rejected the request in a way a
	// retry cannot fix (malformed term, 4xx other than 429). The job fails.
	KindPubMedPermanent Kind = "PUBMED_PERMANENT"

	// KindDuplicate means an insert targeted a canonical name that already
	// exists. The worker treats this as success (another path discovered the
	// supplement first); the admin API reports it as a conflict.
	KindDuplicate Kind = "DUPLICATE"

	// KindInvalidEmbedding means a vector had the wrong dimensionality or
	// was not unit-normalized. This is a programming or data error, never a
	// transient condition, so jobs fail without retry.
	KindInvalidEmbedding Kind = "INVALID_EMBEDDING"

	// KindUnknown is returned by KindOf for errors that carry no Kind.
	KindUnknown Kind = "UNKNOWN"
)

// =============================================================================
// Error
// =============================================================================

// Error is the carrier type for a classified failure.
//
// # Description
//
// Op names the operation that failed in package.Method form
// ("vectorstore.ANN", "pubmed.Count"). It appears in log records and error
// strings, so keep it short and stable. Err is the underlying cause and may
// be nil when the Kind itself is the whole story (an invalid query has no
// deeper cause).
//
// # Thread Safety
//
// Immutable after construction. Safe to share across goroutines.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with no underlying cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an Error around an underlying cause. Returns nil when err is
// nil so it can wrap call results unconditionally.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error whose cause is a formatted message. Use when the
// cause is a local condition rather than a downstream error.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// =============================================================================
// Classification Helpers
// =============================================================================

// KindOf extracts the Kind from an error chain.
//
// Walks the chain with errors.As and returns the outermost Kind found, or
// KindUnknown when the chain carries none. A nil error has no kind; callers
// should not ask.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is worth retrying at its natural
// retry point. STORE_UNAVAILABLE retries inside the request with jitter;
// PUBMED_TRANSIENT retries across worker attempts with exponential backoff.
// Everything else either succeeds on a different path or not at all.
func Retryable(kind Kind) bool {
	switch kind {
	case KindStoreUnavailable, KindPubMedTransient:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code the HTTP layer returns.
//
// Kinds that never surface to a caller (cache, LLM, PubMed, embedding
// validation) still get a defensive mapping so an unexpected leak produces a
// sane 5xx instead of a 200 with a broken body.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidQuery:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate:
		return http.StatusConflict
	case KindStoreUnavailable, KindModelUnavailable, KindCacheUnavailable:
		return http.StatusServiceUnavailable
	case KindPubMedTransient, KindPubMedPermanent:
		return http.StatusBadGateway
	case KindInvalidEmbedding:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
