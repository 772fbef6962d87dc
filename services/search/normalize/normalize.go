// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package normalize turns raw user queries into canonical supplement names
// with a confidence score.
//
// The pipeline runs fixed stages in order, short-circuiting on the first
// hit: clean, exact dictionary, fuzzy (edit distance), compound spelling
// variants, optional LLM translation, title-case passthrough. Every stage
// after clean reads immutable tables, so normalization of the same input is
// stable for the process lifetime, and normalizing an output again returns
// the same canonical (the dictionary self-indexes its canonicals).
package normalize

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/suplo-health/suplo/services/search/config"
	"github.com/suplo-health/suplo/services/search/fault"
)

var normalizeTracer = otel.Tracer("suplo.search.normalize")

// =============================================================================
// Stages and Confidences
// =============================================================================

// Stage identifies which pipeline stage produced a result. The values appear
// in logs and metric labels.
const (
	StageExact       = "exact"
	StageFuzzy       = "fuzzy"
	StageCompound    = "compound"
	StageLLM         = "llm"
	StagePassthrough = "passthrough"
)

const (
	exactConfidence       = 1.0
	llmConfidence         = 0.7
	passthroughConfidence = 0.3
)

// Query length bounds, in runes, applied after cleaning.
const (
	MinQueryLen = 1
	MaxQueryLen = 200
)

// =============================================================================
// Metrics
// =============================================================================

var (
	// normalizeStageTotal counts pipeline outcomes by terminal stage.
	// Labels: stage (exact, fuzzy, compound, llm, passthrough, rejected)
	normalizeStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "normalize",
		Name:      "stage_total",
		Help:      "Normalization outcomes by terminal pipeline stage",
	}, []string{"stage"})

	// normalizeLLMFailuresTotal counts translation hops that fell through.
	// Labels: reason (timeout, error, unusable)
	normalizeLLMFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "normalize",
		Name:      "llm_failures_total",
		Help:      "LLM translation attempts that fell through to passthrough",
	}, []string{"reason"})

	// normalizeDurationSeconds measures full pipeline latency.
	normalizeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "suplo",
		Subsystem: "normalize",
		Name:      "duration_seconds",
		Help:      "Normalization pipeline latency",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
)

// =============================================================================
// Result
// =============================================================================

// Result is a canonicalized query.
type Result struct {
	// Canonical is the English title-case form used everywhere downstream.
	Canonical string

	// Confidence is the pipeline's trust in the canonicalization, 1.0 for
	// an exact dictionary hit down to 0.3 for passthrough.
	Confidence float64

	// Stage names the pipeline stage that produced the result.
	Stage string
}

// =============================================================================
// Normalizer
// =============================================================================

// Normalizer runs the canonicalization pipeline.
//
// # Thread Safety
//
// Safe for concurrent use: the dictionary is immutable and the Translator
// contract requires concurrency safety.
type Normalizer struct {
	dict       *config.Dictionary
	translator Translator
	llmTimeout time.Duration
	logger     *slog.Logger
}

// Options configures a Normalizer.
type Options struct {
	// DictionaryPath loads a dictionary file instead of the embedded one.
	DictionaryPath string

	// Translator enables the LLM stage. Nil skips it.
	Translator Translator

	// LLMTimeout bounds one translation call. Zero uses 5 seconds.
	LLMTimeout time.Duration

	// Logger for stage diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

// New builds a Normalizer, loading the dictionary under the Clean fold.
func New(opts Options) (*Normalizer, error) {
	var dict *config.Dictionary
	var err error
	if opts.DictionaryPath != "" {
		dict, err = config.LoadDictionaryFile(opts.DictionaryPath, Clean)
	} else {
		dict, err = config.LoadDefaultDictionary(Clean)
	}
	if err != nil {
		return nil, err
	}

	timeout := opts.LLMTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Normalizer{
		dict:       dict,
		translator: opts.Translator,
		llmTimeout: timeout,
		logger:     logger,
	}, nil
}

// Normalize canonicalizes raw input.
//
// # Description
//
// Returns a fault of kind INVALID_QUERY when the cleaned input is empty or
// longer than MaxQueryLen runes. Otherwise it always succeeds; the weakest
// outcome is a title-cased passthrough at confidence 0.3.
//
// # Inputs
//
//   - ctx: Bounds the optional LLM stage; table stages do not block.
//   - raw: User input in any casing, spacing, or accenting.
//
// # Outputs
//
//   - Result: Canonical form, confidence, and producing stage.
//   - error: Non-nil only for INVALID_QUERY.
func (n *Normalizer) Normalize(ctx context.Context, raw string) (Result, error) {
	start := time.Now()
	ctx, span := normalizeTracer.Start(ctx, "normalize.Normalize")
	defer span.End()
	defer func() {
		normalizeDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	cleaned := Clean(raw)
	if rl := utf8.RuneCountInString(cleaned); rl < MinQueryLen || rl > MaxQueryLen {
		normalizeStageTotal.WithLabelValues("rejected").Inc()
		span.SetAttributes(attribute.String("outcome", "rejected"))
		return Result{}, fault.Errorf(fault.KindInvalidQuery, "normalize.Normalize",
			"cleaned query length %d outside [%d, %d]", rl, MinQueryLen, MaxQueryLen)
	}

	if canonical, ok := n.dict.Lookup(cleaned); ok {
		return n.finish(span, cleaned, Result{canonical, exactConfidence, StageExact}), nil
	}

	if m, ok := n.fuzzyLookup(cleaned); ok {
		n.logger.Debug("fuzzy correction",
			slog.String("cleaned", cleaned),
			slog.String("key", m.key),
			slog.Int("distance", m.distance),
		)
		return n.finish(span, cleaned, Result{m.canonical, m.confidence, StageFuzzy}), nil
	}

	if canonical, ok := n.compoundLookup(cleaned); ok {
		return n.finish(span, cleaned, Result{canonical, compoundConfidence, StageCompound}), nil
	}

	if n.translator != nil {
		if canonical, ok := n.translateLookup(ctx, cleaned); ok {
			return n.finish(span, cleaned, Result{canonical, llmConfidence, StageLLM}), nil
		}
	}

	return n.finish(span, cleaned, Result{TitleCase(cleaned), passthroughConfidence, StagePassthrough}), nil
}

// Variants exposes the dictionary's raw variants for a canonical name, used
// by discovery to invalidate every cached alias after an insert.
func (n *Normalizer) Variants(canonical string) []string {
	return n.dict.Variants(canonical)
}

// finish records metrics and span attributes for a successful result.
func (n *Normalizer) finish(span trace.Span, cleaned string, r Result) Result {
	normalizeStageTotal.WithLabelValues(r.Stage).Inc()
	span.SetAttributes(
		attribute.String("stage", r.Stage),
		attribute.Float64("confidence", r.Confidence),
	)
	if r.Stage != StageExact {
		n.logger.Debug("normalized",
			slog.String("cleaned", cleaned),
			slog.String("canonical", r.Canonical),
			slog.String("stage", r.Stage),
			slog.Float64("confidence", r.Confidence),
		)
	}
	return r
}

// translateLookup runs the LLM stage under its own deadline.
//
// The reply is cleaned and re-checked against the dictionary; a dictionary
// hit returns that canonical, anything else returns the reply title-cased.
// Replies that clean to empty or overlong are unusable and fall through.
func (n *Normalizer) translateLookup(ctx context.Context, cleaned string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, n.llmTimeout)
	defer cancel()

	reply, err := n.translator.Translate(ctx, cleaned)
	if err != nil {
		reason := "error"
		if ctx.Err() != nil {
			reason = "timeout"
		}
		normalizeLLMFailuresTotal.WithLabelValues(reason).Inc()
		n.logger.Warn("llm translation failed",
			slog.String("cleaned", cleaned),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return "", false
	}

	folded := Clean(reply)
	if rl := utf8.RuneCountInString(folded); rl < MinQueryLen || rl > MaxQueryLen {
		normalizeLLMFailuresTotal.WithLabelValues("unusable").Inc()
		n.logger.Warn("llm translation unusable",
			slog.String("cleaned", cleaned),
			slog.Int("reply_len", rl),
		)
		return "", false
	}

	if canonical, ok := n.dict.Lookup(folded); ok {
		return canonical, true
	}
	return TitleCase(folded), true
}
