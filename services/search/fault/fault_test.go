// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// =============================================================================
// Error Construction and Unwrapping
// =============================================================================

func TestError_String_WithCause(t *testing.T) {
	err := Wrap(KindStoreUnavailable, "vectorstore.ANN", errors.New("connection refused"))
	want := "vectorstore.ANN: STORE_UNAVAILABLE: connection refused"
	if err.Error() != want {
		t.Errorf("want %q, got %q", want, err.Error())
	}
}

func TestError_String_NoCause(t *testing.T) {
	err := New(KindInvalidQuery, "search.Normalize")
	want := "search.Normalize: INVALID_QUERY"
	if err.Error() != want {
		t.Errorf("want %q, got %q", want, err.Error())
	}
}

func TestWrap_NilCause(t *testing.T) {
	if err := Wrap(KindStoreUnavailable, "op", nil); err != nil {
		t.Errorf("expected nil for nil cause, got %v", err)
	}
}

func TestError_Unwrap_ReachesSentinel(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Wrap(KindLLMTimeout, "llm.Translate", fmt.Errorf("call: %w", cause))

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected errors.Is to reach context.DeadlineExceeded through the wrap")
	}
}

// =============================================================================
// KindOf / IsKind
// =============================================================================

func TestKindOf_Direct(t *testing.T) {
	err := New(KindDuplicate, "catalog.Insert")
	if got := KindOf(err); got != KindDuplicate {
		t.Errorf("want %s, got %s", KindDuplicate, got)
	}
}

func TestKindOf_WrappedDeeper(t *testing.T) {
	inner := New(KindPubMedTransient, "pubmed.Count")
	outer := fmt.Errorf("worker attempt 2: %w", inner)

	if got := KindOf(outer); got != KindPubMedTransient {
		t.Errorf("want %s, got %s", KindPubMedTransient, got)
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("want %s, got %s", KindUnknown, got)
	}
}

func TestKindOf_OutermostWins(t *testing.T) {
	// When a classified error wraps another classified error, the outermost
	// classification is the one the caller acts on.
	inner := New(KindCacheUnavailable, "cache.Get")
	outer := Wrap(KindStoreUnavailable, "search.Execute", inner)

	if got := KindOf(outer); got != KindStoreUnavailable {
		t.Errorf("want %s, got %s", KindStoreUnavailable, got)
	}
}

func TestIsKind(t *testing.T) {
	err := Errorf(KindInvalidEmbedding, "vectorstore.Insert", "dimension %d != 384", 512)
	if !IsKind(err, KindInvalidEmbedding) {
		t.Error("expected IsKind to match")
	}
	if IsKind(err, KindDuplicate) {
		t.Error("expected IsKind to reject a different kind")
	}
}

// =============================================================================
// Retryable / HTTPStatus Tables
// =============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindStoreUnavailable, true},
		{KindPubMedTransient, true},
		{KindInvalidQuery, false},
		{KindNotFound, false},
		{KindCacheUnavailable, false},
		{KindModelUnavailable, false},
		{KindLLMTimeout, false},
		{KindPubMedPermanent, false},
		{KindDuplicate, false},
		{KindInvalidEmbedding, false},
		{KindUnknown, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.kind); got != tt.want {
			t.Errorf("Retryable(%s): want %v, got %v", tt.kind, tt.want, got)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidQuery, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindDuplicate, http.StatusConflict},
		{KindStoreUnavailable, http.StatusServiceUnavailable},
		{KindModelUnavailable, http.StatusServiceUnavailable},
		{KindCacheUnavailable, http.StatusServiceUnavailable},
		{KindPubMedTransient, http.StatusBadGateway},
		{KindPubMedPermanent, http.StatusBadGateway},
		{KindInvalidEmbedding, http.StatusUnprocessableEntity},
		{KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s): want %d, got %d", tt.kind, tt.want, got)
		}
	}
}
