// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// newOllamaFixture starts a stub generate endpoint replying with response
// and a translator pointed at it.
func newOllamaFixture(t *testing.T, response string) (*OllamaTranslator, *ollamaCapture) {
	t.Helper()
	captured := &ollamaCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		captured.add(r.URL.Path, req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ollamaResponse{Response: response, Done: true})
	}))
	t.Cleanup(srv.Close)

	return NewOllamaTranslator("test-model", srv.URL, testLogger()), captured
}

type ollamaCapture struct {
	mu       sync.Mutex
	paths    []string
	requests []ollamaRequest
}

func (c *ollamaCapture) add(path string, req ollamaRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	c.requests = append(c.requests, req)
}

func (c *ollamaCapture) last(t *testing.T) (string, ollamaRequest) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		t.Fatal("no requests were captured")
	}
	i := len(c.requests) - 1
	return c.paths[i], c.requests[i]
}

func TestOllamaTranslator_TranslatesQuery(t *testing.T) {
	tr, captured := newOllamaFixture(t, `{"normalized":"Magnesium"}`)

	got, err := tr.Translate(context.Background(), "magnesio citrato")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "Magnesium" {
		t.Errorf("Translate = %q, want Magnesium", got)
	}

	path, req := captured.last(t)
	if path != "/api/generate" {
		t.Errorf("request path = %q, want /api/generate", path)
	}
	if req.Model != "test-model" {
		t.Errorf("request model = %q, want test-model", req.Model)
	}
	if req.Stream {
		t.Error("request asked for a streaming reply")
	}
	if req.Format != "json" {
		t.Errorf("request format = %q, want json", req.Format)
	}
	if req.Options.NumPredict != translationMaxTokens {
		t.Errorf("request num_predict = %d, want %d", req.Options.NumPredict, translationMaxTokens)
	}
	if !strings.Contains(req.Prompt, "magnesio citrato") {
		t.Errorf("prompt missing query: %s", req.Prompt)
	}
}

func TestOllamaTranslator_RedactsPromptQuery(t *testing.T) {
	tr, captured := newOllamaFixture(t, `{"normalized":"Zinc"}`)

	if _, err := tr.Translate(context.Background(), "zinc for 555-123-4567"); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	_, req := captured.last(t)
	if strings.Contains(req.Prompt, "555-123-4567") {
		t.Errorf("phone number left the process in prompt: %s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "REDACTED:phone") {
		t.Errorf("prompt missing redaction label: %s", req.Prompt)
	}
}

func TestOllamaTranslator_RejectsUnusableReplies(t *testing.T) {
	cases := []struct {
		name     string
		response string
	}{
		{"empty normalized", `{"normalized":""}`},
		{"prose instead of JSON", "Magnesium, probably."},
		{"wrong shape", `{"name":"Magnesium"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, _ := newOllamaFixture(t, tc.response)
			if _, err := tr.Translate(context.Background(), "magnesio"); err == nil {
				t.Errorf("Translate accepted unusable reply %q", tc.response)
			}
		})
	}
}

func TestOllamaTranslator_ErrorFieldIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Error: "model not loaded"})
	}))
	t.Cleanup(srv.Close)

	tr := NewOllamaTranslator("test-model", srv.URL, testLogger())
	_, err := tr.Translate(context.Background(), "zinc")
	if err == nil {
		t.Fatal("Translate ignored the error field")
	}
	if !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error does not surface the server message: %v", err)
	}
}

func TestOllamaTranslator_ServerErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"out of memory"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	tr := NewOllamaTranslator("test-model", srv.URL, testLogger())
	if _, err := tr.Translate(context.Background(), "zinc"); err == nil {
		t.Error("Translate succeeded against a failing endpoint")
	}
}

func TestOllamaTranslator_HonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode(ollamaResponse{Response: `{"normalized":"Zinc"}`, Done: true})
	}))
	t.Cleanup(srv.Close)

	tr := NewOllamaTranslator("test-model", srv.URL, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := tr.Translate(ctx, "zinc"); err == nil {
		t.Error("Translate ignored the context deadline")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Translate blocked %v past its deadline", elapsed)
	}
}

func TestNewOllamaTranslator_Defaults(t *testing.T) {
	tr := NewOllamaTranslator("", "", nil)

	if tr.model != defaultOllamaModel {
		t.Errorf("model = %q, want %q", tr.model, defaultOllamaModel)
	}
	if tr.baseURL != defaultOllamaBaseURL {
		t.Errorf("baseURL = %q, want %q", tr.baseURL, defaultOllamaBaseURL)
	}
}

func TestNewOllamaTranslator_TrimsTrailingSlash(t *testing.T) {
	tr := NewOllamaTranslator("m", "http://ollama.internal:11434/", testLogger())
	if tr.baseURL != "http://ollama.internal:11434" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", tr.baseURL)
	}
}
