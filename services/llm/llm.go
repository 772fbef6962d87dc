// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package llm implements the translation hop of the normalization pipeline:
// given a query none of the table stages recognized, ask a language model
// for the English supplement name it most likely means.
//
// Two providers are supported. OpenAITranslator speaks to any
// OpenAI-compatible chat completions endpoint through langchaingo with the
// response format pinned to JSON; OllamaTranslator speaks the Ollama
// generate API over raw HTTP. Both send a single prompt per call, demand a
// {"normalized": "..."} reply, and treat any other shape as failure. The
// normalizer owns the deadline and treats every error as a miss, so
// translators never retry.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/suplo-health/suplo/services/search/config"
	"github.com/suplo-health/suplo/services/search/normalize"
)

// =============================================================================
// Provider Selection
// =============================================================================

// Provider names accepted in the llm_provider config field.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// New builds the Translator named by cfg.Normalize.LLMProvider.
//
// # Description
//
//	Resolves the API key from the secret backend for providers that need
//	one and hands explicit configuration to the provider constructor.
//	Provider "none" (or empty) returns a nil Translator, which disables
//	the LLM stage entirely.
//
// # Outputs
//
//   - normalize.Translator: Nil when the stage is disabled.
//   - error: Non-nil for unknown providers or a missing required secret.
func New(ctx context.Context, cfg *config.SearchConfig, secrets config.SecretBackend, logger *slog.Logger) (normalize.Translator, error) {
	switch cfg.Normalize.LLMProvider {
	case "", ProviderNone:
		return nil, nil
	case ProviderOpenAI:
		key, err := secrets.GetSecret(ctx, config.SecretLLMAPIKey)
		if err != nil {
			return nil, fmt.Errorf("llm: reading %s: %w", config.SecretLLMAPIKey, err)
		}
		return NewOpenAITranslator(key, cfg.Normalize.LLMModel, cfg.Normalize.LLMBaseURL, logger)
	case ProviderOllama:
		return NewOllamaTranslator(cfg.Normalize.LLMModel, cfg.Normalize.LLMBaseURL, logger), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Normalize.LLMProvider)
	}
}

// =============================================================================
// Prompt and Reply Contract
// =============================================================================

// translationMaxTokens bounds the reply. A supplement name fits easily; the
// cap keeps a rambling model from burning the 5 s budget on tokens we will
// reject anyway.
const translationMaxTokens = 64

const promptTemplate = `You map consumer supplement queries to canonical English supplement names.
Query: %q
Reply with exactly one JSON object of the form {"normalized": "<canonical English supplement name>"}.
If the query does not name a dietary supplement, reply {"normalized": ""}.`

// translationPrompt renders the single prompt sent to every provider. The
// query is redacted first so emails, phone numbers, and long digit runs
// never leave the process.
func translationPrompt(query string) string {
	return fmt.Sprintf(promptTemplate, RedactQuery(query))
}

// translationReply is the only reply shape accepted from a provider.
type translationReply struct {
	Normalized string `json:"normalized"`
}

// parseTranslation decodes a provider reply, requiring a JSON object whose
// "normalized" field is a non-empty string. Anything else is an error.
func parseTranslation(raw string) (string, error) {
	var reply translationReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return "", fmt.Errorf("llm: reply is not a normalized-name object: %w", err)
	}
	name := strings.TrimSpace(reply.Normalized)
	if name == "" {
		return "", errors.New("llm: reply carries no normalized name")
	}
	return name, nil
}
