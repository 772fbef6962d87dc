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
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/suplo-health/suplo/services/search/fault"
)

// stubSecrets returns one fixed API key for every lookup.
type stubSecrets struct {
	key string
}

func (s *stubSecrets) GetSecret(ctx context.Context, key string) (string, error) {
	return s.key, nil
}

// newTestPubMed points a client at the stub server with throttling effectively
// disabled so tests never stall on the rate limiter.
func newTestPubMed(t *testing.T, handler http.Handler, key string) *PubMedClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := PubMedConfig{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		RPSKeyless: 1000,
		RPSWithKey: 1000,
	}
	if key == "" {
		return NewPubMedClient(cfg, nil, testLogger())
	}
	return NewPubMedClient(cfg, &stubSecrets{key: key}, testLogger())
}

// esearchJSON renders the count envelope the way PubMed does, with the count
// as a string.
func esearchJSON(count int) string {
	return fmt.Sprintf(`{"header":{"type":"esearch"},"esearchresult":{"count":"%d","retmax":"0","idlist":[]}}`, count)
}

func TestCount_ParsesStringCount(t *testing.T) {
	client := newTestPubMed(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("db"); got != "pubmed" {
			t.Errorf("db = %q", got)
		}
		if got := r.URL.Query().Get("retmax"); got != "0" {
			t.Errorf("retmax = %q", got)
		}
		if got := r.URL.Query().Get("term"); got != "quercetin phytosome" {
			t.Errorf("term = %q", got)
		}
		fmt.Fprint(w, esearchJSON(42))
	}), "")

	count, err := client.Count(context.Background(), "quercetin phytosome")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestCount_SendsAPIKeyWhenConfigured(t *testing.T) {
	var gotKey atomic.Value
	client := newTestPubMed(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.URL.Query().Get("api_key"))
		fmt.Fprint(w, esearchJSON(1))
	}), "ncbi-key-123")

	if _, err := client.Count(context.Background(), "zinc"); err != nil {
		t.Fatalf("Count: %v", err)
	}
	if gotKey.Load() != "ncbi-key-123" {
		t.Fatalf("api_key = %v", gotKey.Load())
	}
}

func TestCount_ErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantKind fault.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `slow down`, fault.KindPubMedTransient},
		{"server error", http.StatusInternalServerError, `oops`, fault.KindPubMedTransient},
		{"bad request", http.StatusBadRequest, `bad term`, fault.KindPubMedPermanent},
		{"malformed body", http.StatusOK, `<html>maintenance</html>`, fault.KindPubMedTransient},
		{"esearch error field", http.StatusOK, `{"esearchresult":{"ERROR":"Empty term and query_key - nothing todo","count":""}}`, fault.KindPubMedPermanent},
		{"non-numeric count", http.StatusOK, `{"esearchresult":{"count":"lots"}}`, fault.KindPubMedTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestPubMed(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}), "")

			_, err := client.Count(context.Background(), "anything")
			if !fault.IsKind(err, tc.wantKind) {
				t.Fatalf("err = %v, want kind %s", err, tc.wantKind)
			}
		})
	}
}

func TestCount_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	client := NewPubMedClient(PubMedConfig{
		BaseURL:    url,
		Timeout:    time.Second,
		RPSKeyless: 1000,
		RPSWithKey: 1000,
	}, nil, testLogger())

	_, err := client.Count(context.Background(), "zinc")
	if !fault.IsKind(err, fault.KindPubMedTransient) {
		t.Fatalf("err = %v, want PUBMED_TRANSIENT", err)
	}
}

func TestCount_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	client := newTestPubMed(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), "")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.Count(ctx, "zinc"); !fault.IsKind(err, fault.KindPubMedTransient) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}

	// The breaker is open now: the next call fails fast without a request.
	before := hits.Load()
	_, err := client.Count(ctx, "zinc")
	if !fault.IsKind(err, fault.KindPubMedTransient) {
		t.Fatalf("open-breaker err = %v", err)
	}
	if hits.Load() != before {
		t.Fatalf("breaker did not shed: hits %d -> %d", before, hits.Load())
	}
}

func TestCount_PermanentErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	client := newTestPubMed(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), "")

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, err := client.Count(ctx, "zinc"); !fault.IsKind(err, fault.KindPubMedPermanent) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if hits.Load() != 8 {
		t.Fatalf("hits = %d, want 8 (breaker must stay closed)", hits.Load())
	}
}
