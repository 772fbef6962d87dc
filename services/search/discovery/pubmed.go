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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/suplo-health/suplo/services/search/config"
	"github.com/suplo-health/suplo/services/search/fault"
)

var pubmedTracer = otel.Tracer("suplo.search.discovery")

// =============================================================================
// Metrics
// =============================================================================

var (
	pubmedDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "suplo",
		Subsystem: "discovery",
		Name:      "pubmed_duration_seconds",
		Help:      "Wall time of one PubMed esearch call, including throttling.",
		Buckets:   prometheus.DefBuckets,
	})

	pubmedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "discovery",
		Name:      "pubmed_requests_total",
		Help:      "PubMed calls by outcome: ok, transient, permanent, breaker_open.",
	}, []string{"outcome"})
)

// =============================================================================
// PubMed Client
// =============================================================================

// maxPubMedBody bounds how much of a response body is read. A well-formed
// esearch summary with retmax=0 is under a kilobyte.
const maxPubMedBody = 1 << 20

// PubMedConfig sets the evidence client's endpoint and throttle ceilings.
type PubMedConfig struct {
	// BaseURL is the E-utilities root, without a trailing slash.
	BaseURL string

	// Timeout bounds one HTTP call end to end.
	Timeout time.Duration

	// RPSKeyless and RPSWithKey are NCBI's published request-rate ceilings
	// for anonymous and keyed access.
	RPSKeyless int
	RPSWithKey int
}

// PubMedClient counts studies for a query term via the esearch endpoint.
//
// # Description
//
// Calls are throttled to NCBI's published ceiling (3 req/s anonymous, 10
// req/s with an API key) and guarded by a circuit breaker so a PubMed outage
// sheds load quickly instead of burning every job's attempt budget on
// timeouts. Failures are classified into PUBMED_TRANSIENT (worth retrying:
// 429, 5xx, network, malformed payloads, open breaker) and PUBMED_PERMANENT
// (retry cannot help: other 4xx, an ERROR field in the result).
//
// # Thread Safety
//
// Safe for concurrent use.
type PubMedClient struct {
	httpc   *http.Client
	baseURL string
	secrets config.SecretBackend
	keyless *rate.Limiter
	keyed   *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewPubMedClient builds a throttled, breaker-guarded esearch client.
// secrets may be nil, which forces keyless operation.
func NewPubMedClient(cfg PubMedConfig, secrets config.SecretBackend, logger *slog.Logger) *PubMedClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "discovery.pubmed"))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pubmed",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Permanent rejections mean our term was bad, not that PubMed
			// is down; they must not open the breaker.
			return err == nil || fault.IsKind(err, fault.KindPubMedPermanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("pubmed circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &PubMedClient{
		httpc:   &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		secrets: secrets,
		keyless: rate.NewLimiter(rate.Limit(cfg.RPSKeyless), cfg.RPSKeyless),
		keyed:   rate.NewLimiter(rate.Limit(cfg.RPSWithKey), cfg.RPSWithKey),
		breaker: breaker,
		logger:  logger,
	}
}

// Count returns the number of PubMed studies matching the term.
//
// # Inputs
//
//   - ctx: Bounds throttle waiting and the HTTP call.
//   - term: The canonical query, passed verbatim as the esearch term.
//
// # Outputs
//
//   - int: Study count, >= 0.
//   - error: PUBMED_TRANSIENT or PUBMED_PERMANENT.
func (c *PubMedClient) Count(ctx context.Context, term string) (int, error) {
	start := time.Now()
	ctx, span := pubmedTracer.Start(ctx, "pubmed.Count")
	defer span.End()
	span.SetAttributes(attribute.String("term", term))
	defer func() {
		pubmedDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	apiKey := c.apiKey(ctx)
	limiter := c.keyless
	if apiKey != "" {
		limiter = c.keyed
	}
	if err := limiter.Wait(ctx); err != nil {
		pubmedRequestsTotal.WithLabelValues("transient").Inc()
		return 0, fault.Wrap(fault.KindPubMedTransient, "pubmed.Count", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetchCount(ctx, term, apiKey)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			pubmedRequestsTotal.WithLabelValues("breaker_open").Inc()
			return 0, fault.Wrap(fault.KindPubMedTransient, "pubmed.Count", err)
		}
		switch fault.KindOf(err) {
		case fault.KindPubMedPermanent:
			pubmedRequestsTotal.WithLabelValues("permanent").Inc()
		default:
			pubmedRequestsTotal.WithLabelValues("transient").Inc()
		}
		return 0, err
	}

	count := result.(int)
	pubmedRequestsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("study_count", count))
	return count, nil
}

// apiKey resolves the optional NCBI key. Absence is the normal keyless case.
func (c *PubMedClient) apiKey(ctx context.Context) string {
	if c.secrets == nil {
		return ""
	}
	key, err := c.secrets.GetSecret(ctx, config.SecretNCBIAPIKey)
	if err != nil {
		if !errors.Is(err, config.ErrSecretNotFound) {
			c.logger.Debug("NCBI key lookup failed, proceeding keyless",
				slog.String("error", err.Error()))
		}
		return ""
	}
	return key
}

// esearchEnvelope mirrors the slice of the esearch JSON response we consume.
// PubMed encodes the count as a string.
type esearchEnvelope struct {
	Result struct {
		Count string `json:"count"`
		Error string `json:"ERROR"`
	} `json:"esearchresult"`
}

func (c *PubMedClient) fetchCount(ctx context.Context, term, apiKey string) (int, error) {
	const op = "pubmed.Count"

	params := url.Values{
		"db":      {"pubmed"},
		"term":    {term},
		"retmode": {"json"},
		"retmax":  {"0"},
	}
	if apiKey != "" {
		params.Set("api_key", apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/esearch.fcgi?"+params.Encode(), nil)
	if err != nil {
		return 0, fault.Wrap(fault.KindPubMedPermanent, op, err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fault.Wrap(fault.KindPubMedTransient, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPubMedBody))
	if err != nil {
		return 0, fault.Wrap(fault.KindPubMedTransient, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, fault.Errorf(fault.KindPubMedTransient, op,
			"status %d: %s", resp.StatusCode, truncateBody(body))
	default:
		return 0, fault.Errorf(fault.KindPubMedPermanent, op,
			"status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var envelope esearchEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fault.Errorf(fault.KindPubMedTransient, op,
			"malformed response: %v", err)
	}
	if envelope.Result.Error != "" {
		return 0, fault.Errorf(fault.KindPubMedPermanent, op,
			"esearch error: %s", envelope.Result.Error)
	}

	count, err := strconv.Atoi(envelope.Result.Count)
	if err != nil {
		return 0, fault.Errorf(fault.KindPubMedTransient, op,
			"non-numeric count %q", envelope.Result.Count)
	}
	if count < 0 {
		return 0, fault.Errorf(fault.KindPubMedTransient, op, "negative count %d", count)
	}
	return count, nil
}

// truncateBody keeps error messages readable when PubMed returns an HTML
// error page.
func truncateBody(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return fmt.Sprintf("%s... (%d bytes)", body[:max], len(body))
}
