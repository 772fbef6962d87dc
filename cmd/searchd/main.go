// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Command searchd starts the Suplo supplement search server.
//
// The server answers supplement queries through a normalization pipeline, a
// tiered result cache, and a 384-dimension vector index, and feeds unknown
// queries to a durable discovery queue whose workers grade PubMed evidence.
//
// Usage:
//
//	go run ./cmd/searchd
//	go run ./cmd/searchd -config /etc/suplo/search.yaml
//
// Configuration comes from the embedded defaults, layered under the optional
// -config file and SUPLO_* environment overrides (SUPLO_LISTEN_ADDR,
// SUPLO_STORE_BACKEND, SUPLO_REDIS_ADDR, ...). Secrets are environment-only
// and are sealed into memory enclaves at startup: NCBI_API_KEY,
// SUPLO_LLM_API_KEY, SUPLO_INFLUX_TOKEN.
//
// Example requests:
//
//	# Search (answers found, processing, or invalid)
//	curl -X POST http://localhost:8080/v1/search \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "vitamina d"}'
//
//	# Readiness (503 until the embedding model is warm)
//	curl http://localhost:8080/readyz
//
//	# Discovery queue population
//	curl http://localhost:8080/v1/discovery/stats
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suplo-health/suplo/services/search"
	"github.com/suplo-health/suplo/services/search/config"
	"github.com/suplo-health/suplo/services/search/telemetry"
)

const (
	serviceName = "suplo-search"
	version     = "0.1.0"

	// warmupTimeout bounds model load plus a possible index rebuild.
	warmupTimeout = 2 * time.Minute

	// readHeaderTimeout guards against slowloris connections; request
	// bodies are bounded separately by the per-route timeout.
	readHeaderTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file layered over the defaults")
	debug := flag.Bool("debug", false, "Enable gin debug mode")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := telemetry.NewLogger(os.Stderr, serviceName, version)
	slog.SetDefault(logger)

	if *configPath != "" {
		if err := config.SetFromFile(*configPath); err != nil {
			logger.Error("loading config file", slog.String("path", *configPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	cfg, err := config.Get()
	if err != nil {
		logger.Error("loading config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  serviceName,
		Version:      version,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("initializing telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Seal secrets before anything else reads the environment; the daemon is
	// long-lived and must not keep plaintext keys in /proc/self/environ.
	secrets := config.NewEnclaveBackend(
		config.SecretNCBIAPIKey,
		config.SecretLLMAPIKey,
		config.SecretInfluxToken,
	)

	svc, err := search.NewService(ctx, cfg, secrets, logger)
	if err != nil {
		logger.Error("building service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	svc.Start()

	// Warm in the background so the listener binds immediately; the warmup
	// guard answers 503 with Retry-After until the model is loaded. A failed
	// warmup leaves readiness down for the orchestrator to act on.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.Error("panic during warmup",
					slog.Any("panic", r),
					slog.String("stack", string(buf[:n])),
				)
			}
		}()

		warmCtx, cancel := context.WithTimeout(ctx, warmupTimeout)
		defer cancel()

		start := time.Now()
		if err := svc.Warm(warmCtx); err != nil {
			logger.Error("warmup failed, service stays not ready",
				slog.String("error", err.Error()),
				slog.Duration("elapsed", time.Since(start)),
			)
			return
		}
		logger.Info("warmup complete", slog.Duration("elapsed", time.Since(start)))
	}()

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           search.NewRouter(svc, cfg, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Drain order: stop accepting and finish in-flight requests, then stop
	// the discovery pool and close storage, then flush telemetry.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("http drain incomplete", slog.String("error", err.Error()))
	}
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("service shutdown", slog.String("error", err.Error()))
	}
	if err := shutdownTelemetry(drainCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
}
