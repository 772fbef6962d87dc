// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package search

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/suplo-health/suplo/services/search/config"
)

// NewRouter assembles the HTTP surface.
//
// # Description
//
//	Health, readiness, and metrics sit at the root, unguarded, so probes and
//	scrapes work during warmup. Everything under /v1 carries the request
//	timeout; query and admin routes additionally sit behind the warmup guard.
//	The discovery read routes skip the guard: job status must be observable
//	while the model is still loading.
func NewRouter(svc *Service, cfg *config.SearchConfig, logger *slog.Logger) *gin.Engine {
	handlers := NewHandlers(svc, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("suplo-search"))
	router.Use(CorrelationMiddleware())

	router.GET("/healthz", handlers.HandleHealth)
	router.GET("/readyz", handlers.HandleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guard := WarmupGuard(svc)
	timeout := TimeoutMiddleware(cfg.RequestTimeout())

	v1 := router.Group("/v1")
	{
		v1.POST("/search", timeout, guard, handlers.HandleSearch)
		v1.GET("/supplements/:name", timeout, guard, handlers.HandleGetSupplement)

		admin := v1.Group("/admin", timeout, guard)
		{
			admin.POST("/supplements", handlers.HandleUpsertSupplement)
			admin.POST("/discovery/jobs/:id/retry", handlers.HandleRetryJob)
		}

		discovery := v1.Group("/discovery")
		{
			discovery.GET("/jobs/:id", timeout, handlers.HandleGetJob)
			discovery.GET("/stats", timeout, handlers.HandleDiscoveryStats)
			// Long-lived stream; the request timeout does not apply.
			discovery.GET("/events", handlers.HandleDiscoveryEvents)
		}
	}

	debug := router.Group("/debug")
	{
		debug.GET("/cache/stats", handlers.HandleCacheStats)
		debug.GET("/discovery/jobs", handlers.HandleDiscoveryJobs)
	}

	return router
}
