// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package config loads and validates all service configuration: the tunable
// surface (thresholds, TTLs, timeouts), the supplement dictionary, the seed
// catalog, and secret access. Everything is loaded once at startup and
// immutable afterwards.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// MaxYAMLFileSize bounds any YAML document the service will parse. Config
// and dictionary files are human-edited; anything past this size is a
// mistake, not a configuration.
const MaxYAMLFileSize = 4 << 20 // 4 MiB

// =============================================================================
// Configuration Types
// =============================================================================

// SearchConfig is the full service configuration tree.
//
// # Description
//
// Loaded from the embedded defaults, then overlaid by an optional YAML file,
// then by SUPLO_* environment variables, then validated. Fields carry both
// yaml tags for the file format and validate tags enforced at load time.
//
// # Thread Safety
//
// Immutable after Load; safe for concurrent use.
type SearchConfig struct {
	Server    ServerConfig    `yaml:"server" validate:"required"`
	Search    SearchTuning    `yaml:"search" validate:"required"`
	Normalize NormalizeConfig `yaml:"normalize" validate:"required"`
	Embedding EmbeddingConfig `yaml:"embedding" validate:"required"`
	Store     StoreConfig     `yaml:"store" validate:"required"`
	Cache     CacheConfig     `yaml:"cache" validate:"required"`
	Discovery DiscoveryConfig `yaml:"discovery" validate:"required"`
	PubMed    PubMedConfig    `yaml:"pubmed" validate:"required"`
	Evidence  EvidenceConfig  `yaml:"evidence" validate:"required"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP server binds.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// RequestTimeoutMs is the end-to-end deadline for one search request.
	RequestTimeoutMs int `yaml:"request_timeout_ms" validate:"gt=0"`

	// DrainTimeoutS bounds graceful shutdown: in-flight requests get this
	// long to finish before the listener is torn down.
	DrainTimeoutS int `yaml:"drain_timeout_s" validate:"gt=0"`
}

// SearchTuning holds the match-quality knobs.
type SearchTuning struct {
	// SimilarityThreshold is the minimum cosine similarity for a vector
	// match to count as found.
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gte=0,lte=1"`

	// ANNK is how many nearest neighbours the store returns per search.
	ANNK int `yaml:"ann_k" validate:"gt=0"`
}

// NormalizeConfig controls the normalizer pipeline.
type NormalizeConfig struct {
	// DictionaryPath points at a YAML dictionary file. Empty uses the
	// embedded dictionary.
	DictionaryPath string `yaml:"dictionary_path"`

	// MinQueryLen and MaxQueryLen bound the cleaned query length.
	MinQueryLen int `yaml:"min_query_len" validate:"gte=1"`
	MaxQueryLen int `yaml:"max_query_len" validate:"gtefield=MinQueryLen"`

	// LLMProvider selects the translation hop: none, openai, or ollama.
	LLMProvider string `yaml:"llm_provider" validate:"oneof=none openai ollama"`

	// LLMBaseURL overrides the provider endpoint. Empty uses the provider
	// default.
	LLMBaseURL string `yaml:"llm_base_url"`

	// LLMModel names the model for the translation hop.
	LLMModel string `yaml:"llm_model"`

	// LLMTimeoutMs bounds one translation call.
	LLMTimeoutMs int `yaml:"llm_timeout_ms" validate:"gt=0"`
}

// EmbeddingConfig controls the embedding model.
type EmbeddingConfig struct {
	// Dim is the embedding dimensionality. The index format and the model
	// artifact both assume 384; this is not a tunable.
	Dim int `yaml:"dim" validate:"eq=384"`

	// ModelArtifactPath is a local directory or gs:// URL holding the
	// model artifact (manifest, vocabulary, vector table).
	ModelArtifactPath string `yaml:"model_artifact_path" validate:"required"`

	// WarmTimeoutMs bounds the startup model load.
	WarmTimeoutMs int `yaml:"warm_timeout_ms" validate:"gt=0"`
}

// StoreConfig selects and configures the vector store backend.
type StoreConfig struct {
	// Backend is embedded (in-process index) or weaviate (remote).
	Backend string `yaml:"backend" validate:"oneof=embedded weaviate"`

	// CatalogDir is the BadgerDB directory for the supplement catalog,
	// the system of record both backends index.
	CatalogDir string `yaml:"catalog_dir" validate:"required"`

	// IndexDir is where the embedded backend persists its index.
	IndexDir string `yaml:"index_dir"`

	// WeaviateScheme and WeaviateHost locate the remote backend.
	WeaviateScheme string `yaml:"weaviate_scheme" validate:"oneof=http https"`
	WeaviateHost   string `yaml:"weaviate_host"`

	// RetryMax is how many times a failed store search is retried within
	// one request before the failure surfaces.
	RetryMax int `yaml:"retry_max" validate:"gte=0,lte=5"`
}

// CacheConfig controls both cache tiers.
type CacheConfig struct {
	// L1Capacity is the in-process LRU entry bound.
	L1Capacity int `yaml:"l1_capacity" validate:"gt=0"`

	// TTLDays is the shared entry lifetime across both tiers.
	TTLDays int `yaml:"ttl_days" validate:"gt=0"`

	// L2Backend is badger, redis, or none.
	L2Backend string `yaml:"l2_backend" validate:"oneof=badger redis none"`

	// L2Dir is the BadgerDB directory for the badger backend.
	L2Dir string `yaml:"l2_dir"`

	// RedisAddr is host:port for the redis backend.
	RedisAddr string `yaml:"redis_addr"`
}

// DiscoveryConfig controls the queue and worker pool.
type DiscoveryConfig struct {
	// QueueDir is the BadgerDB directory for the durable job queue.
	QueueDir string `yaml:"queue_dir" validate:"required"`

	// WorkerCount is how many workers poll the queue.
	WorkerCount int `yaml:"worker_count" validate:"gt=0,lte=32"`

	// MaxAttempts bounds retries per job before it fails.
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0,lte=10"`

	// BaseBackoffMs is the unit for exponential retry delay.
	BaseBackoffMs int `yaml:"base_backoff_ms" validate:"gt=0"`

	// PollIntervalMs is how often an idle worker re-checks the queue.
	PollIntervalMs int `yaml:"poll_interval_ms" validate:"gt=0"`

	// RetentionDays is how long terminal jobs remain queryable.
	RetentionDays int `yaml:"retention_days" validate:"gt=0"`

	// NegativeTTLDays is how long a no-evidence rejection suppresses
	// re-discovery of the same query.
	NegativeTTLDays int `yaml:"negative_ttl_days" validate:"gt=0"`

	// BacklogAlertThreshold fires the backlog alarm when PENDING exceeds it.
	BacklogAlertThreshold int `yaml:"backlog_alert_threshold" validate:"gt=0"`
}

// PubMedConfig controls the evidence lookup client.
type PubMedConfig struct {
	// BaseURL is the E-utilities root.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// TimeoutMs bounds one API call.
	TimeoutMs int `yaml:"timeout_ms" validate:"gt=0"`

	// RPSKeyless and RPSWithKey are the request-rate ceilings NCBI
	// publishes for anonymous and keyed access.
	RPSKeyless int `yaml:"rps_keyless" validate:"gt=0"`
	RPSWithKey int `yaml:"rps_with_key" validate:"gt=0"`
}

// EvidenceConfig holds the study-count grading thresholds.
type EvidenceConfig struct {
	// Strong is the minimum study count for grade A.
	Strong int `yaml:"strong" validate:"gt=0"`

	// Moderate is the minimum study count for grade C.
	Moderate int `yaml:"moderate" validate:"gt=0,ltfield=Strong"`

	// Low is the minimum study count for grade E.
	Low int `yaml:"low" validate:"gt=0,ltefield=Moderate"`
}

// AnalyticsConfig controls the optional InfluxDB search-event sink.
type AnalyticsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	InfluxURL    string `yaml:"influx_url"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC collector address. Empty disables export;
	// spans still record locally for tests.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SampleRatio is the trace sampling fraction.
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// =============================================================================
// Derived Accessors
// =============================================================================

// RequestTimeout returns the request deadline as a Duration.
func (c *SearchConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the shutdown drain window as a Duration.
func (c *SearchConfig) DrainTimeout() time.Duration {
	return time.Duration(c.Server.DrainTimeoutS) * time.Second
}

// LLMTimeout returns the translation-hop deadline as a Duration.
func (c *SearchConfig) LLMTimeout() time.Duration {
	return time.Duration(c.Normalize.LLMTimeoutMs) * time.Millisecond
}

// CacheTTL returns the cache entry lifetime as a Duration.
func (c *SearchConfig) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// JobRetention returns the terminal-job retention window as a Duration.
func (c *SearchConfig) JobRetention() time.Duration {
	return time.Duration(c.Discovery.RetentionDays) * 24 * time.Hour
}

// NegativeTTL returns the no-evidence suppression window as a Duration.
func (c *SearchConfig) NegativeTTL() time.Duration {
	return time.Duration(c.Discovery.NegativeTTLDays) * 24 * time.Hour
}

// BaseBackoff returns the worker retry unit as a Duration.
func (c *SearchConfig) BaseBackoff() time.Duration {
	return time.Duration(c.Discovery.BaseBackoffMs) * time.Millisecond
}

// PubMedTimeout returns the per-call PubMed deadline as a Duration.
func (c *SearchConfig) PubMedTimeout() time.Duration {
	return time.Duration(c.PubMed.TimeoutMs) * time.Millisecond
}

// =============================================================================
// Loading
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load parses a SearchConfig from YAML bytes layered over the embedded
// defaults, applies SUPLO_* environment overrides, and validates.
//
// # Description
//
// The layering order is defaults, then data, then environment. Passing nil
// data loads pure defaults plus environment. Unknown YAML keys are rejected
// so typos fail loudly at startup instead of silently using a default.
//
// # Inputs
//
//   - data: Raw YAML, or nil for defaults only.
//
// # Outputs
//
//   - *SearchConfig: Validated configuration. Never nil on success.
//   - error: Non-nil on parse or validation failure.
func Load(data []byte) (*SearchConfig, error) {
	var cfg SearchConfig
	if err := unmarshalStrict(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config: embedded defaults: %w", err)
	}

	if len(data) > 0 {
		if len(data) > MaxYAMLFileSize {
			return nil, fmt.Errorf("config: YAML exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
		}
		if err := unmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	slog.Info("configuration loaded",
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.Float64("similarity_threshold", cfg.Search.SimilarityThreshold),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("l2_backend", cfg.Cache.L2Backend),
		slog.Int("worker_count", cfg.Discovery.WorkerCount),
	)
	return &cfg, nil
}

// LoadFile reads and parses a config file, layered over the defaults.
func LoadFile(path string) (*SearchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(data)
}

// unmarshalStrict decodes YAML rejecting unknown fields. yaml.v3 only
// exposes strict mode on Decoder, so the bytes go through one.
func unmarshalStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty document
		}
		return err
	}
	return nil
}

// =============================================================================
// Environment Overrides
// =============================================================================

// applyEnvOverrides overlays SUPLO_* environment variables onto cfg.
// Only the operationally useful knobs get variables; everything else is
// file-only.
func applyEnvOverrides(cfg *SearchConfig) {
	envString("SUPLO_LISTEN_ADDR", &cfg.Server.ListenAddr)
	envInt("SUPLO_REQUEST_TIMEOUT_MS", &cfg.Server.RequestTimeoutMs)
	envFloat("SUPLO_SIMILARITY_THRESHOLD", &cfg.Search.SimilarityThreshold)
	envString("SUPLO_DICTIONARY_PATH", &cfg.Normalize.DictionaryPath)
	envString("SUPLO_LLM_PROVIDER", &cfg.Normalize.LLMProvider)
	envString("SUPLO_LLM_BASE_URL", &cfg.Normalize.LLMBaseURL)
	envString("SUPLO_LLM_MODEL", &cfg.Normalize.LLMModel)
	envInt("SUPLO_LLM_TIMEOUT_MS", &cfg.Normalize.LLMTimeoutMs)
	envString("SUPLO_MODEL_ARTIFACT_PATH", &cfg.Embedding.ModelArtifactPath)
	envString("SUPLO_STORE_BACKEND", &cfg.Store.Backend)
	envString("SUPLO_CATALOG_DIR", &cfg.Store.CatalogDir)
	envString("SUPLO_INDEX_DIR", &cfg.Store.IndexDir)
	envString("SUPLO_WEAVIATE_HOST", &cfg.Store.WeaviateHost)
	envInt("SUPLO_CACHE_TTL_DAYS", &cfg.Cache.TTLDays)
	envString("SUPLO_CACHE_L2_BACKEND", &cfg.Cache.L2Backend)
	envString("SUPLO_CACHE_L2_DIR", &cfg.Cache.L2Dir)
	envString("SUPLO_REDIS_ADDR", &cfg.Cache.RedisAddr)
	envString("SUPLO_QUEUE_DIR", &cfg.Discovery.QueueDir)
	envInt("SUPLO_WORKER_COUNT", &cfg.Discovery.WorkerCount)
	envInt("SUPLO_WORKER_MAX_ATTEMPTS", &cfg.Discovery.MaxAttempts)
	envInt("SUPLO_BACKLOG_ALERT_THRESHOLD", &cfg.Discovery.BacklogAlertThreshold)
	envString("SUPLO_PUBMED_BASE_URL", &cfg.PubMed.BaseURL)
	envString("SUPLO_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	envString("SUPLO_INFLUX_URL", &cfg.Analytics.InfluxURL)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment override",
			slog.String("var", key), slog.String("value", v))
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment override",
			slog.String("var", key), slog.String("value", v))
		return
	}
	*dst = f
}

// =============================================================================
// Singleton
// =============================================================================

var (
	searchConfigMu      sync.RWMutex
	cachedSearchConfig  *SearchConfig
	searchConfigLoadErr error
)

// Get returns the process-wide configuration, loading defaults plus
// environment on first call. main typically calls SetFromFile before any
// component calls Get.
//
// # Thread Safety
//
// Safe for concurrent use.
func Get() (*SearchConfig, error) {
	searchConfigMu.RLock()
	if cachedSearchConfig != nil || searchConfigLoadErr != nil {
		cfg, err := cachedSearchConfig, searchConfigLoadErr
		searchConfigMu.RUnlock()
		return cfg, err
	}
	searchConfigMu.RUnlock()

	searchConfigMu.Lock()
	defer searchConfigMu.Unlock()
	if cachedSearchConfig == nil && searchConfigLoadErr == nil {
		cachedSearchConfig, searchConfigLoadErr = Load(nil)
	}
	return cachedSearchConfig, searchConfigLoadErr
}

// SetFromFile loads the given file as the process-wide configuration.
// Must be called before any component calls Get.
func SetFromFile(path string) error {
	cfg, err := LoadFile(path)

	searchConfigMu.Lock()
	defer searchConfigMu.Unlock()
	cachedSearchConfig, searchConfigLoadErr = cfg, err
	return err
}

// Set installs an already-built configuration as the process-wide one.
// Used by tests and by the CLI, which builds config from flags.
func Set(cfg *SearchConfig) {
	searchConfigMu.Lock()
	defer searchConfigMu.Unlock()
	cachedSearchConfig, searchConfigLoadErr = cfg, nil
}

// Reset clears the cached configuration for testing.
func Reset() {
	searchConfigMu.Lock()
	defer searchConfigMu.Unlock()
	cachedSearchConfig = nil
	searchConfigLoadErr = nil
}
