// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package telemetry bootstraps the process-wide observability plumbing:
// structured logging, the OpenTelemetry tracer and meter providers, and
// correlation-id propagation. Components never import this package; they use
// otel.Tracer and their injected *slog.Logger, and Init wires the globals
// those resolve against.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// =============================================================================
// Logging
// =============================================================================

// logLevelEnv overrides the log level: debug, info, warn, error.
const logLevelEnv = "SUPLO_LOG_LEVEL"

// NewLogger builds the service's root JSON logger. Every component derives
// its child logger from this one, so the service and version attributes ride
// on every record.
func NewLogger(w io.Writer, service, version string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel()})
	return slog.New(handler).With(
		slog.String("service", service),
		slog.String("version", version),
	)
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv(logLevelEnv)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Correlation IDs
// =============================================================================

type correlationKey struct{}

// CorrelationHeader is the HTTP header correlation ids arrive and leave on.
const CorrelationHeader = "X-Correlation-ID"

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the context's correlation id, or "" when none is set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelationID returns the context's correlation id, minting one when
// the caller arrived without it (CLI invocations, internal jobs).
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// =============================================================================
// Providers
// =============================================================================

// stdoutMetricInterval is the flush cadence for the dev stdout exporter.
const stdoutMetricInterval = 30 * time.Second

// Config selects the export targets for traces and metrics.
type Config struct {
	// ServiceName and Version stamp the OTel resource.
	ServiceName string
	Version     string

	// OTLPEndpoint is the gRPC collector address (host:port). Empty keeps
	// spans local (tests attach their own exporters); the literal "stdout"
	// pretty-prints to the terminal for development.
	OTLPEndpoint string

	// SampleRatio is the head-sampling fraction in [0, 1]. Sampling is
	// parent-based, so sampled upstream requests stay sampled here.
	SampleRatio float64

	// Registerer receives the OTel→Prometheus bridge collectors. Nil uses
	// the default registry, which is what /metrics serves.
	Registerer prometheus.Registerer
}

// Init installs the global tracer provider, meter provider, and propagator.
//
// # Description
//
// Metrics from OTel-instrumented libraries (otelgin) are bridged into the
// Prometheus registry so one /metrics endpoint serves both them and the
// promauto collectors the components register directly. The returned
// shutdown flushes and closes both providers; call it during drain.
//
// # Outputs
//
//   - func: Shutdown hook. Never nil on success.
//   - error: Exporter construction failures.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	))
	if err != nil {
		return nil, err
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	switch cfg.OTLPEndpoint {
	case "":
		// No exporter. Spans still record for anything that attaches a
		// processor (tracetest in tests).
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	default:
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	bridge, err := otelprom.New(otelprom.WithRegisterer(registerer))
	if err != nil {
		return nil, err
	}
	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(bridge),
	}
	if cfg.OTLPEndpoint == "stdout" {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(stdoutMetricInterval)),
		))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}
	return shutdown, nil
}
