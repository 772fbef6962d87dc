// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package embedding turns text into fixed-dimension unit vectors using a
// process-resident model loaded from an artifact directory. There is no
// network hop per embedding and no fallback model: if the artifact cannot be
// loaded, every caller that needs a vector gets MODEL_UNAVAILABLE.
package embedding

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/suplo-health/suplo/services/search/fault"
)

// Dim is the vector dimensionality the whole system is built around. The
// model artifact, the cache entries, and both index backends all assume it.
const Dim = 384

var embeddingTracer = otel.Tracer("suplo.search.embedding")

// =============================================================================
// Metrics
// =============================================================================

var (
	embedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "suplo",
		Subsystem: "embedding",
		Name:      "embed_duration_seconds",
		Help:      "Duration of one Embed call against the warm model.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .015, .025, .05, .1, .25},
	})

	embedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "embedding",
		Name:      "embed_total",
		Help:      "Total Embed calls by status.",
	}, []string{"status"})

	modelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "suplo",
		Subsystem: "embedding",
		Name:      "model_load_duration_seconds",
		Help:      "Duration of model artifact loads, including failed ones.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	modelLoadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "embedding",
		Name:      "model_load_total",
		Help:      "Total model artifact load attempts by status.",
	}, []string{"status"})
)

// =============================================================================
// Service
// =============================================================================

// Service embeds text with a lazily loaded model.
//
// # Description
//
// The first Embed (or an explicit Warm at startup) loads the artifact behind
// a guard; concurrent callers block on the same load. A failed load is not
// pinned: the next caller attempts it again, so a model artifact that appears
// after startup heals the service without a restart.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	artifactPath string
	warmTimeout  time.Duration
	logger       *slog.Logger

	mu    sync.Mutex
	model *tokenModel
}

// NewService builds an unloaded Service. No I/O happens until Warm or the
// first Embed.
//
// # Inputs
//
//	artifactPath - Local directory or gs:// URL holding the model artifact.
//	warmTimeout  - Bound on one load attempt, including artifact download.
//	logger       - Destination for load lifecycle records. Must not be nil.
func NewService(artifactPath string, warmTimeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		artifactPath: artifactPath,
		warmTimeout:  warmTimeout,
		logger:       logger,
	}
}

// Warm forces the model load so the first request never pays for it.
//
// # Outputs
//
//	error - MODEL_UNAVAILABLE when the artifact cannot be resolved or parsed.
func (s *Service) Warm(ctx context.Context) error {
	ctx, span := embeddingTracer.Start(ctx, "embedding.Warm")
	defer span.End()

	if err := s.ensureLoaded(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model load failed")
		return err
	}
	return nil
}

// Ready reports whether the model is loaded. The readiness probe uses this;
// it never triggers a load.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model != nil
}

// ModelVersion returns the loaded artifact's name and version, or empty
// strings when cold.
func (s *Service) ModelVersion() (name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return "", ""
	}
	return s.model.name, s.model.version
}

// Embed converts text into one unit vector of Dim entries.
//
// # Inputs
//
//	ctx  - Bounds a cold-start load; a warm call does no I/O.
//	text - Any UTF-8 text. Callers pass either a normalized query or a
//	       catalog document built with Document.
//
// # Outputs
//
//	[]float32 - Unit-length vector of exactly Dim entries.
//	error     - MODEL_UNAVAILABLE when the model is cold and cannot load.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		embedTotal.WithLabelValues("model_unavailable").Inc()
		return nil, err
	}

	start := time.Now()
	vec := s.model.Embed(text)
	embedDuration.Observe(time.Since(start).Seconds())
	embedTotal.WithLabelValues("success").Inc()
	return vec, nil
}

// Document builds the text a supplement is indexed under: the canonical name
// joined with every alias, so queries arriving through any alias land near
// the same point.
func Document(canonicalName string, aliases []string) string {
	if len(aliases) == 0 {
		return canonicalName
	}
	parts := make([]string, 0, len(aliases)+1)
	parts = append(parts, canonicalName)
	parts = append(parts, aliases...)
	return strings.Join(parts, ". ")
}

// Similarity returns the cosine similarity of two unit vectors. Exposed for
// the embedded index and for tests; inputs must already be normalized.
func Similarity(a, b []float32) float64 {
	return dot(a, b)
}

// =============================================================================
// Load Guard
// =============================================================================

// ensureLoaded loads the model exactly once per success; failures release the
// guard so a later call can retry.
func (s *Service) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		return nil
	}

	ctx, span := embeddingTracer.Start(ctx, "embedding.load")
	defer span.End()

	if s.warmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.warmTimeout)
		defer cancel()
	}

	start := time.Now()
	dir, err := resolveArtifacts(ctx, s.artifactPath, s.logger)
	if err == nil {
		var m *tokenModel
		m, err = loadModel(dir)
		if err == nil && m.dim != Dim {
			err = fault.Errorf(fault.KindInvalidEmbedding, "embedding.load",
				"artifact dim %d, need %d", m.dim, Dim)
		}
		if err == nil {
			s.model = m
		}
	}
	modelLoadDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		modelLoadTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		s.logger.Error("embedding model load failed",
			slog.String("artifact_path", s.artifactPath),
			slog.String("error", err.Error()),
		)
		if fault.KindOf(err) != fault.KindUnknown {
			return err
		}
		return fault.Wrap(fault.KindModelUnavailable, "embedding.load", err)
	}

	modelLoadTotal.WithLabelValues("success").Inc()
	span.SetAttributes(
		attribute.String("model.name", s.model.name),
		attribute.String("model.version", s.model.version),
		attribute.Int("model.vocab_size", len(s.model.vocab)),
	)
	s.logger.Info("embedding model loaded",
		slog.String("model", s.model.name),
		slog.String("version", s.model.version),
		slog.Int("vocab_size", len(s.model.vocab)),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}
