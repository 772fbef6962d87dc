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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chatReply renders an OpenAI chat completion whose assistant message is
// exactly content.
func chatReply(t *testing.T, content string) []byte {
	t.Helper()
	resp := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshaling chat reply: %v", err)
	}
	return body
}

// newOpenAIFixture starts a stub chat completions endpoint returning content
// and a translator pointed at it. Request bodies are captured for assertions.
func newOpenAIFixture(t *testing.T, content string) (*OpenAITranslator, *requestLog) {
	t.Helper()
	captured := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured.add(r, body)
		w.Header().Set("Content-Type", "application/json")
		w.Write(chatReply(t, content))
	}))
	t.Cleanup(srv.Close)

	tr, err := NewOpenAITranslator("test-key", "test-model", srv.URL, testLogger())
	if err != nil {
		t.Fatalf("NewOpenAITranslator: %v", err)
	}
	return tr, captured
}

// requestLog records requests hitting a stub endpoint.
type requestLog struct {
	mu     sync.Mutex
	paths  []string
	auths  []string
	bodies []string
}

func (l *requestLog) add(r *http.Request, body []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, r.URL.Path)
	l.auths = append(l.auths, r.Header.Get("Authorization"))
	l.bodies = append(l.bodies, string(body))
}

func (l *requestLog) last(t *testing.T) (path, auth, body string) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.paths) == 0 {
		t.Fatal("no requests were captured")
	}
	i := len(l.paths) - 1
	return l.paths[i], l.auths[i], l.bodies[i]
}

func TestOpenAITranslator_TranslatesQuery(t *testing.T) {
	tr, captured := newOpenAIFixture(t, `{"normalized":"Ashwagandha"}`)

	got, err := tr.Translate(context.Background(), "aswaganda root")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "Ashwagandha" {
		t.Errorf("Translate = %q, want Ashwagandha", got)
	}

	path, auth, body := captured.last(t)
	if !strings.HasSuffix(path, "/chat/completions") {
		t.Errorf("request path = %q, want /chat/completions suffix", path)
	}
	if auth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", auth)
	}
	if !strings.Contains(body, `"model":"test-model"`) {
		t.Errorf("request body missing model: %s", body)
	}
	if !strings.Contains(body, "json_object") {
		t.Errorf("request body does not pin JSON response format: %s", body)
	}
	if !strings.Contains(body, "aswaganda root") {
		t.Errorf("request body missing query: %s", body)
	}
}

func TestOpenAITranslator_RedactsPromptQuery(t *testing.T) {
	tr, captured := newOpenAIFixture(t, `{"normalized":"Magnesium"}`)

	if _, err := tr.Translate(context.Background(), "magnesium for jane@example.com"); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	_, _, body := captured.last(t)
	if strings.Contains(body, "jane@example.com") {
		t.Errorf("email left the process in prompt: %s", body)
	}
	if !strings.Contains(body, "REDACTED:email") {
		t.Errorf("prompt missing redaction label: %s", body)
	}
}

func TestOpenAITranslator_RejectsUnusableReplies(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty normalized", `{"normalized":""}`},
		{"whitespace normalized", `{"normalized":"   "}`},
		{"prose instead of JSON", "Ashwagandha is an adaptogenic herb."},
		{"wrong field type", `{"normalized": 42}`},
		{"wrong shape", `{"canonical":"Ashwagandha"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, _ := newOpenAIFixture(t, tc.content)
			if _, err := tr.Translate(context.Background(), "ashwagandha"); err == nil {
				t.Errorf("Translate accepted unusable reply %q", tc.content)
			}
		})
	}
}

func TestOpenAITranslator_AcceptsExtraReplyFields(t *testing.T) {
	tr, _ := newOpenAIFixture(t, `{"normalized":"Vitamin D","confidence":0.92}`)

	got, err := tr.Translate(context.Background(), "bitamina d")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "Vitamin D" {
		t.Errorf("Translate = %q, want Vitamin D", got)
	}
}

func TestOpenAITranslator_ServerErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	tr, err := NewOpenAITranslator("test-key", "test-model", srv.URL, testLogger())
	if err != nil {
		t.Fatalf("NewOpenAITranslator: %v", err)
	}
	if _, err := tr.Translate(context.Background(), "zinc"); err == nil {
		t.Error("Translate succeeded against a failing endpoint")
	}
}

func TestOpenAITranslator_HonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write(chatReply(t, `{"normalized":"Zinc"}`))
	}))
	t.Cleanup(srv.Close)

	tr, err := NewOpenAITranslator("test-key", "test-model", srv.URL, testLogger())
	if err != nil {
		t.Fatalf("NewOpenAITranslator: %v", err)
	}

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

func TestNewOpenAITranslator_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAITranslator("", "test-model", "", testLogger()); err == nil {
		t.Error("NewOpenAITranslator accepted an empty API key")
	}
}
