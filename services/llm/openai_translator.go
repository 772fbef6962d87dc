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
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// =============================================================================
// OpenAI-Compatible Translator
// =============================================================================

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAITranslator implements normalize.Translator against any
// OpenAI-compatible chat completions endpoint.
//
// # Description
//
//	Requests run through langchaingo with the response format pinned to
//	json_object, so a healthy endpoint can only reply with parseable JSON.
//	One call per Translate, no retries; the normalizer bounds the call
//	with its own deadline and falls through to passthrough on any error.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAITranslator struct {
	llm    *openai.LLM
	model  string
	logger *slog.Logger
}

// NewOpenAITranslator builds a translator from explicit configuration.
//
// # Inputs
//
//   - apiKey: Bearer credential. Required; self-hosted gateways that
//     ignore authentication still need a placeholder value.
//   - model: Chat model name. Empty selects gpt-4o-mini.
//   - baseURL: Endpoint override for OpenAI-compatible servers. Empty uses
//     the public OpenAI API.
//
// # Outputs
//
//   - *OpenAITranslator: The configured translator.
//   - error: Non-nil if the underlying client rejects the configuration.
func NewOpenAITranslator(apiKey, model, baseURL string, logger *slog.Logger) (*OpenAITranslator, error) {
	if model == "" {
		model = defaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
		openai.WithResponseFormat(openai.ResponseFormatJSON),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: building openai client: %w", err)
	}

	logger.Info("llm translator ready",
		slog.String("provider", ProviderOpenAI),
		slog.String("model", model),
	)
	return &OpenAITranslator{llm: client, model: model, logger: logger}, nil
}

// Translate implements normalize.Translator.
func (t *OpenAITranslator) Translate(ctx context.Context, query string) (string, error) {
	reply, err := llms.GenerateFromSinglePrompt(ctx, t.llm, translationPrompt(query),
		llms.WithTemperature(0),
		llms.WithMaxTokens(translationMaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("llm: openai call: %w", err)
	}

	t.logger.Debug("openai translation reply",
		slog.String("model", t.model),
		slog.Int("reply_len", len(reply)),
	)
	return parseTranslation(reply)
}
