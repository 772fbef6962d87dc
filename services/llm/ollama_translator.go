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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// Ollama Wire Types
// =============================================================================

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3.2"

	// maxOllamaBody caps how much of a reply we will read. A normalized
	// name is tiny; anything near the cap is garbage.
	maxOllamaBody = 1 << 20
)

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// =============================================================================
// Ollama Translator
// =============================================================================

// OllamaTranslator implements normalize.Translator against a local Ollama
// server using its generate API directly.
//
// # Description
//
//	Sends one non-streaming generate request per Translate with the output
//	format pinned to JSON. The normalizer's context deadline is the real
//	latency control; the client timeout is only a backstop for calls made
//	without one.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaTranslator struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *slog.Logger
}

// NewOllamaTranslator builds a translator from explicit configuration.
// Empty model selects llama3.2; empty baseURL selects the local default.
func NewOllamaTranslator(model, baseURL string, logger *slog.Logger) *OllamaTranslator {
	if model == "" {
		model = defaultOllamaModel
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("llm translator ready",
		slog.String("provider", ProviderOllama),
		slog.String("model", model),
		slog.String("base_url", baseURL),
	)
	return &OllamaTranslator{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		logger:     logger,
	}
}

// Translate implements normalize.Translator.
func (t *OllamaTranslator) Translate(ctx context.Context, query string) (string, error) {
	reqBody, err := json.Marshal(ollamaRequest{
		Model:  t.model,
		Prompt: translationPrompt(query),
		Stream: false,
		Format: "json",
		Options: ollamaOptions{
			Temperature: 0,
			NumPredict:  translationMaxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: creating ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaBody))
	if err != nil {
		return "", fmt.Errorf("llm: reading ollama response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: ollama returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp ollamaResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("llm: parsing ollama response: %w", err)
	}
	if apiResp.Error != "" {
		return "", fmt.Errorf("llm: ollama error: %s", SafeLogString(apiResp.Error))
	}

	t.logger.Debug("ollama translation reply",
		slog.String("model", t.model),
		slog.Bool("done", apiResp.Done),
		slog.Int("reply_len", len(apiResp.Response)),
	)
	return parseTranslation(apiResp.Response)
}
