// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package analytics ships one InfluxDB point per search so product can chart
// query volume, tier hit rates, and similarity distributions. Strictly
// best-effort: the recorder never blocks a request and a down Influx only
// produces warning logs.
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/suplo-health/suplo/services/search/config"
)

// SearchEvent is one completed search, successful or not.
type SearchEvent struct {
	// Outcome is found, processing, or invalid.
	Outcome string

	// SourceTier is l1, l2, vector, or none.
	SourceTier string

	// Similarity is the winning match's cosine similarity; zero when no
	// match was returned.
	Similarity float64

	// Latency is the end-to-end request duration.
	Latency time.Duration

	// CorrelationID joins the point back to logs and traces.
	CorrelationID string
}

// Config selects the Influx destination. Disabled short-circuits everything.
type Config struct {
	Enabled bool
	URL     string
	Org     string
	Bucket  string
}

// Recorder writes search events through the non-blocking Influx write API.
//
// # Thread Safety
//
// Safe for concurrent use; the write API batches internally. A nil or
// disabled Recorder is valid and drops every event.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
	logger *slog.Logger
	done   chan struct{}
}

// NewRecorder connects the analytics sink.
//
// # Description
//
// Returns a disabled recorder (never nil) when cfg.Enabled is false or the
// token secret is missing, so callers record unconditionally. Write errors
// surface asynchronously on the API's error channel and are drained into
// warning logs until Close.
func NewRecorder(ctx context.Context, cfg Config, secrets config.SecretBackend, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "analytics"))

	if !cfg.Enabled {
		return &Recorder{logger: logger}
	}

	token := ""
	if secrets != nil {
		var err error
		token, err = secrets.GetSecret(ctx, config.SecretInfluxToken)
		if err != nil && !errors.Is(err, config.ErrSecretNotFound) {
			logger.Warn("influx token lookup failed, analytics disabled",
				slog.String("error", err.Error()))
			return &Recorder{logger: logger}
		}
	}
	if token == "" {
		logger.Warn("analytics enabled but no influx token configured, analytics disabled")
		return &Recorder{logger: logger}
	}

	client := influxdb2.NewClient(cfg.URL, token)
	write := client.WriteAPI(cfg.Org, cfg.Bucket)

	r := &Recorder{
		client: client,
		write:  write,
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.drainErrors()

	logger.Info("analytics recorder started",
		slog.String("url", cfg.URL),
		slog.String("bucket", cfg.Bucket),
	)
	return r
}

// Record queues one event. Never blocks; drops silently when disabled.
func (r *Recorder) Record(ev SearchEvent) {
	if r == nil || r.write == nil {
		return
	}
	point := influxdb2.NewPoint("search",
		map[string]string{
			"outcome":     ev.Outcome,
			"source_tier": ev.SourceTier,
		},
		map[string]any{
			"similarity":     ev.Similarity,
			"latency_ms":     float64(ev.Latency) / float64(time.Millisecond),
			"correlation_id": ev.CorrelationID,
		},
		time.Now().UTC(),
	)
	r.write.WritePoint(point)
}

// Close flushes buffered points and stops the client. Idempotent enough for
// a drain sequence; do not Record afterwards.
func (r *Recorder) Close() {
	if r == nil || r.client == nil {
		return
	}
	r.write.Flush()
	r.client.Close()
	close(r.done)
}

// drainErrors logs asynchronous write failures. The API closes its error
// channel when the client shuts down.
func (r *Recorder) drainErrors() {
	for {
		select {
		case err, ok := <-r.write.Errors():
			if !ok {
				return
			}
			r.logger.Warn("analytics write failed", slog.String("error", err.Error()))
		case <-r.done:
			return
		}
	}
}
