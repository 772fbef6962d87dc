// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package search assembles the supplement search service: the normalization
// pipeline, the tiered result cache, the vector store, the discovery queue
// and its grading workers, and the HTTP surface that fronts them.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/suplo-health/suplo/services/llm"
	"github.com/suplo-health/suplo/services/search/analytics"
	"github.com/suplo-health/suplo/services/search/cache"
	"github.com/suplo-health/suplo/services/search/config"
	"github.com/suplo-health/suplo/services/search/discovery"
	"github.com/suplo-health/suplo/services/search/embedding"
	"github.com/suplo-health/suplo/services/search/fault"
	"github.com/suplo-health/suplo/services/search/normalize"
	"github.com/suplo-health/suplo/services/search/storage/badgerstore"
	"github.com/suplo-health/suplo/services/search/vectorstore"
)

// Invalidation retry policy for the worker-side cache invalidator.
const (
	invalidateMaxTries = 4
	invalidateBackoff  = 100 * time.Millisecond
)

// EmbeddingProvider is the model surface the service manages.
// *embedding.Service in production; tests substitute a deterministic stub.
type EmbeddingProvider interface {
	Warm(ctx context.Context) error
	Ready() bool
	ModelVersion() (name, version string)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// =============================================================================
// Service
// =============================================================================

// Service owns every long-lived component and their shutdown order.
//
// # Description
//
// NewService opens the stores and wires the pipeline but starts nothing.
// Start launches the discovery pool; Warm loads the embedding model and backs
// readiness. Shutdown drains the pool, then closes clients and databases in
// dependency order.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use once NewService returns.
type Service struct {
	cfg     *config.SearchConfig
	logger  *slog.Logger
	secrets config.SecretBackend

	normalizer *normalize.Normalizer
	embedder   EmbeddingProvider
	store      *vectorstore.Store
	cache      *cache.Tiered
	queue      *discovery.Queue
	hub        *discovery.Hub
	pool       *discovery.Pool
	recorder   *analytics.Recorder

	orchestrator *Orchestrator

	catalogDB *badgerstore.DB
	queueDB   *badgerstore.DB
	l2DB      *badgerstore.DB
	redisL2   *cache.RedisL2

	warmed     atomic.Bool
	poolCancel context.CancelFunc
	poolDone   chan struct{}
}

// NewService wires the full search stack from configuration.
//
// # Description
//
// A missing or failing LLM provider degrades normalization to passthrough
// rather than failing startup; everything else is fatal. The embedding model
// is not loaded here, call Warm.
//
// # Inputs
//
//   - ctx: Bounds client construction (Redis ping, Weaviate probe).
//   - cfg: Validated configuration tree.
//   - secrets: Secret backend for LLM, NCBI, and Influx credentials.
//   - logger: Service-wide base logger.
func NewService(ctx context.Context, cfg *config.SearchConfig, secrets config.SecretBackend, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	translator, err := llm.New(ctx, cfg, secrets, logger)
	if err != nil {
		logger.Warn("llm translator unavailable, normalization degrades to passthrough",
			slog.String("provider", cfg.Normalize.LLMProvider),
			slog.String("error", err.Error()),
		)
		translator = nil
	}

	normalizer, err := normalize.New(normalize.Options{
		DictionaryPath: cfg.Normalize.DictionaryPath,
		Translator:     translator,
		LLMTimeout:     cfg.LLMTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("search: normalizer: %w", err)
	}

	embedder := embedding.NewService(
		cfg.Embedding.ModelArtifactPath,
		time.Duration(cfg.Embedding.WarmTimeoutMs)*time.Millisecond,
		logger,
	)

	catalogDB, err := badgerstore.OpenDB(badgerstore.DefaultConfig(cfg.Store.CatalogDir))
	if err != nil {
		return nil, fmt.Errorf("search: open catalog: %w", err)
	}

	var index vectorstore.Index
	switch cfg.Store.Backend {
	case "weaviate":
		index, err = vectorstore.NewWeaviateIndex(ctx, cfg.Store.WeaviateScheme, cfg.Store.WeaviateHost)
	default:
		index, err = vectorstore.NewEmbeddedIndex(cfg.Store.IndexDir)
	}
	if err != nil {
		return nil, errors.Join(fmt.Errorf("search: open index: %w", err), catalogDB.Close())
	}

	store := vectorstore.New(vectorstore.NewCatalog(catalogDB, logger), index, logger)

	svc := &Service{
		cfg:        cfg,
		logger:     logger,
		secrets:    secrets,
		normalizer: normalizer,
		embedder:   embedder,
		store:      store,
		catalogDB:  catalogDB,
		poolDone:   make(chan struct{}),
	}

	tiers := []cache.Tier{cache.NewL1(cfg.Cache.L1Capacity, cfg.CacheTTL())}
	switch cfg.Cache.L2Backend {
	case "badger":
		svc.l2DB, err = badgerstore.OpenDB(badgerstore.DefaultConfig(cfg.Cache.L2Dir))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("search: open l2 cache: %w", err), svc.closeStorage())
		}
		tiers = append(tiers, cache.NewBadgerL2(svc.l2DB, cfg.CacheTTL()))
	case "redis":
		svc.redisL2, err = cache.NewRedisL2(ctx, cfg.Cache.RedisAddr, cfg.CacheTTL())
		if err != nil {
			return nil, errors.Join(fmt.Errorf("search: connect redis l2: %w", err), svc.closeStorage())
		}
		tiers = append(tiers, svc.redisL2)
	}
	svc.cache = cache.NewTiered(logger, tiers...)

	svc.queueDB, err = badgerstore.OpenDB(badgerstore.DefaultConfig(cfg.Discovery.QueueDir))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("search: open discovery queue: %w", err), svc.closeStorage())
	}
	svc.hub = discovery.NewHub()
	svc.queue = discovery.NewQueue(svc.queueDB, discovery.QueueConfig{
		Retention:   cfg.JobRetention(),
		NegativeTTL: cfg.NegativeTTL(),
	}, svc.hub, logger)

	pubmed := discovery.NewPubMedClient(discovery.PubMedConfig{
		BaseURL:    cfg.PubMed.BaseURL,
		Timeout:    cfg.PubMedTimeout(),
		RPSKeyless: cfg.PubMed.RPSKeyless,
		RPSWithKey: cfg.PubMed.RPSWithKey,
	}, secrets, logger)

	invalidator := cache.NewInvalidator(svc.cache, invalidateMaxTries, invalidateBackoff, logger)

	svc.pool = discovery.NewPool(svc.queue, pubmed, embedder, store, invalidator, normalizer,
		discovery.PoolConfig{
			Workers:          cfg.Discovery.WorkerCount,
			MaxAttempts:      cfg.Discovery.MaxAttempts,
			BaseBackoff:      cfg.BaseBackoff(),
			PollInterval:     time.Duration(cfg.Discovery.PollIntervalMs) * time.Millisecond,
			PubMedTimeout:    cfg.PubMedTimeout(),
			BacklogThreshold: cfg.Discovery.BacklogAlertThreshold,
			Thresholds: discovery.GradeThresholds{
				Strong:   cfg.Evidence.Strong,
				Moderate: cfg.Evidence.Moderate,
				Low:      cfg.Evidence.Low,
			},
		}, logger)

	svc.recorder = analytics.NewRecorder(ctx, analytics.Config{
		Enabled: cfg.Analytics.Enabled,
		URL:     cfg.Analytics.InfluxURL,
		Org:     cfg.Analytics.InfluxOrg,
		Bucket:  cfg.Analytics.InfluxBucket,
	}, secrets, logger)

	svc.orchestrator = NewOrchestrator(normalizer, embedder, store, svc.cache, svc.queue, svc.recorder,
		OrchestratorConfig{
			SimilarityThreshold: cfg.Search.SimilarityThreshold,
			ANNK:                cfg.Search.ANNK,
			RetryMax:            cfg.Store.RetryMax,
			CacheTTL:            cfg.CacheTTL(),
		}, logger)

	return svc, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Warm loads the embedding model and rebuilds the vector index if the catalog
// has rows the index does not. Readiness flips only after both complete.
func (s *Service) Warm(ctx context.Context) error {
	if err := s.embedder.Warm(ctx); err != nil {
		return err
	}

	indexed, err := s.store.IndexCount(ctx)
	if err != nil {
		return err
	}
	if indexed == 0 {
		stats, err := s.store.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.Supplements > 0 {
			n, err := s.store.Reindex(ctx)
			if err != nil {
				return err
			}
			s.logger.Info("rebuilt empty vector index from catalog",
				slog.Int("supplements", n),
			)
		}
	}

	s.warmed.Store(true)
	name, version := s.embedder.ModelVersion()
	s.logger.Info("service warm",
		slog.String("model", name),
		slog.String("model_version", version),
	)
	return nil
}

// Ready reports whether warmup has completed.
func (s *Service) Ready() bool {
	return s.warmed.Load()
}

// Start launches the discovery worker pool in the background.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.poolCancel = cancel
	go func() {
		defer close(s.poolDone)
		if err := s.pool.Run(ctx); err != nil {
			s.logger.Error("discovery pool exited", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown drains the discovery pool, then closes clients and stores. Safe to
// call once, after Start.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.poolCancel != nil {
		s.poolCancel()
		select {
		case <-s.poolDone:
		case <-ctx.Done():
			s.logger.Warn("discovery pool drain timed out")
		}
	}

	s.recorder.Close()
	return s.closeStorage()
}

// closeStorage releases every open store handle. Tolerates partially built
// services so constructor failures can unwind through it.
func (s *Service) closeStorage() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.redisL2 != nil {
		errs = append(errs, s.redisL2.Close())
	}
	if s.l2DB != nil {
		errs = append(errs, s.l2DB.Close())
	}
	if s.queueDB != nil {
		errs = append(errs, s.queueDB.Close())
	}
	if s.catalogDB != nil {
		errs = append(errs, s.catalogDB.Close())
	}
	return errors.Join(errs...)
}

// =============================================================================
// Operations
// =============================================================================

// Search answers one user query through the full pipeline.
func (s *Service) Search(ctx context.Context, query string) (*Result, error) {
	return s.orchestrator.Search(ctx, query)
}

// GetSupplement fetches a supplement by canonical name.
func (s *Service) GetSupplement(ctx context.Context, name string) (*vectorstore.Supplement, error) {
	sup, err := s.store.GetByCanonicalName(ctx, name)
	if err != nil {
		return nil, err
	}
	if sup == nil {
		return nil, fault.Errorf(fault.KindNotFound, "search.GetSupplement", "supplement %q", name)
	}
	return sup, nil
}

// UpsertSupplement embeds and stores a curated supplement, then flushes the
// result cache so stale matches for its aliases cannot be served.
//
// # Outputs
//
//   - *vectorstore.Supplement: The stored row, id and timestamps populated.
//   - bool: True when the canonical name was new.
func (s *Service) UpsertSupplement(ctx context.Context, name string, aliases []string, meta vectorstore.Metadata) (*vectorstore.Supplement, bool, error) {
	vector, err := s.embedder.Embed(ctx, embedding.Document(name, aliases))
	if err != nil {
		return nil, false, err
	}

	sup := &vectorstore.Supplement{
		ID:            vectorstore.SupplementID(name),
		CanonicalName: name,
		Aliases:       aliases,
		Embedding:     vector,
		Metadata:      meta,
	}
	created, err := s.store.Upsert(ctx, sup)
	if err != nil {
		return nil, false, err
	}

	if err := s.cache.Flush(ctx); err != nil {
		s.logger.Warn("cache flush after upsert failed", slog.String("error", err.Error()))
	}

	s.logger.Info("supplement upserted",
		slog.String("supplement_id", sup.ID),
		slog.String("canonical_name", sup.CanonicalName),
		slog.Bool("created", created),
	)
	return sup, created, nil
}

// GetJob fetches one discovery job.
func (s *Service) GetJob(ctx context.Context, id string) (*discovery.Job, error) {
	return s.queue.Get(ctx, id)
}

// RetryJob resets a failed job for another attempt cycle.
func (s *Service) RetryJob(ctx context.Context, id string) (*discovery.Job, error) {
	return s.queue.Retry(ctx, id)
}

// errScanDone stops a ForEach scan once enough jobs are collected.
var errScanDone = errors.New("scan done")

// ListJobs returns up to limit jobs, optionally filtered by state. Order
// follows the queue's key layout, not enqueue time.
func (s *Service) ListJobs(ctx context.Context, state discovery.State, limit int) ([]*discovery.Job, error) {
	jobs := make([]*discovery.Job, 0, limit)
	err := s.queue.ForEach(ctx, func(job *discovery.Job) error {
		if state != "" && job.State != state {
			return nil
		}
		jobs = append(jobs, job)
		if len(jobs) >= limit {
			return errScanDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errScanDone) {
		return nil, err
	}
	return jobs, nil
}

// DiscoveryStats reports queue population by state.
func (s *Service) DiscoveryStats(ctx context.Context) (discovery.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// CacheStats reports entry counts per cache tier.
func (s *Service) CacheStats(ctx context.Context) []cache.TierStats {
	return s.cache.Stats(ctx)
}

// Hub exposes the discovery event stream for WebSocket subscribers.
func (s *Service) Hub() *discovery.Hub {
	return s.hub
}

// ModelVersion reports the loaded embedding model.
func (s *Service) ModelVersion() (name, version string) {
	return s.embedder.ModelVersion()
}
