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
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suplo-health/suplo/services/search/discovery"
	"github.com/suplo-health/suplo/services/search/fault"
	"github.com/suplo-health/suplo/services/search/telemetry"
	"github.com/suplo-health/suplo/services/search/vectorstore"
)

// eventWriteTimeout bounds one WebSocket frame write; a subscriber that
// cannot keep up is dropped rather than allowed to stall the handler.
const eventWriteTimeout = 10 * time.Second

// Handlers carries the HTTP handler set for the search service.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger.With(slog.String("component", "http"))}
}

// =============================================================================
// Wire Types
// =============================================================================

type searchRequest struct {
	Query         string `json:"query" binding:"required"`
	CorrelationID string `json:"correlation_id"`
}

type searchResponse struct {
	Status        string             `json:"status"`
	Supplement    *supplementPayload `json:"supplement,omitempty"`
	Similarity    float64            `json:"similarity,omitempty"`
	SourceTier    string             `json:"source_tier"`
	Stage         string             `json:"stage,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
	JobID         string             `json:"job_id,omitempty"`
	LatencyMs     int64              `json:"latency_ms"`
	CorrelationID string             `json:"correlation_id"`
	Error         *errorBody         `json:"error,omitempty"`
}

type supplementPayload struct {
	ID            string     `json:"id"`
	CanonicalName string     `json:"canonical_name"`
	Aliases       []string   `json:"aliases,omitempty"`
	EvidenceGrade string     `json:"evidence_grade,omitempty"`
	StudyCount    int        `json:"study_count,omitempty"`
	Category      string     `json:"category,omitempty"`
	Description   string     `json:"description,omitempty"`
	FirstSeen     *time.Time `json:"first_seen,omitempty"`
}

type upsertSupplementRequest struct {
	CanonicalName string   `json:"canonical_name" binding:"required"`
	Aliases       []string `json:"aliases"`
	EvidenceGrade string   `json:"evidence_grade" binding:"omitempty,oneof=A B C D E"`
	StudyCount    int      `json:"study_count" binding:"gte=0"`
	Category      string   `json:"category"`
	Description   string   `json:"description"`
}

type upsertSupplementResponse struct {
	Supplement supplementPayload `json:"supplement"`
	Created    bool              `json:"created"`
}

type jobPayload struct {
	ID               string     `json:"id"`
	Query            string     `json:"query"`
	State            string     `json:"state"`
	Attempts         int        `json:"attempts"`
	NextAttemptAfter *time.Time `json:"next_attempt_after,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	EnqueuedAt       time.Time  `json:"enqueued_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CorrelationID    string     `json:"correlation_id,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error         errorBody `json:"error"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func newSupplementPayload(sup *vectorstore.Supplement) *supplementPayload {
	p := &supplementPayload{
		ID:            sup.ID,
		CanonicalName: sup.CanonicalName,
		Aliases:       sup.Aliases,
		EvidenceGrade: sup.Metadata.EvidenceGrade,
		StudyCount:    sup.Metadata.StudyCount,
		Category:      sup.Metadata.Category,
		Description:   sup.Metadata.Description,
	}
	if !sup.Metadata.FirstSeen.IsZero() {
		firstSeen := sup.Metadata.FirstSeen
		p.FirstSeen = &firstSeen
	}
	return p
}

func newJobPayload(job *discovery.Job) jobPayload {
	p := jobPayload{
		ID:            job.ID,
		Query:         job.Query,
		State:         string(job.State),
		Attempts:      job.Attempts,
		LastError:     job.LastError,
		EnqueuedAt:    job.EnqueuedAt,
		CorrelationID: job.CorrelationID,
	}
	if !job.NextAttemptAfter.IsZero() {
		next := job.NextAttemptAfter
		p.NextAttemptAfter = &next
	}
	if !job.CompletedAt.IsZero() {
		done := job.CompletedAt
		p.CompletedAt = &done
	}
	return p
}

// =============================================================================
// Middleware
// =============================================================================

// CorrelationMiddleware adopts the caller's correlation id or mints one, puts
// it on the request context, and echoes it back as a response header.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(telemetry.CorrelationHeader); id != "" {
			ctx = telemetry.WithCorrelationID(ctx, id)
		}
		ctx, id := telemetry.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(telemetry.CorrelationHeader, id)
		c.Next()
	}
}

// TimeoutMiddleware bounds each request's context. Handlers and everything
// below them observe the deadline through ctx.
func TimeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// WarmupGuard rejects traffic with 503 until the embedding model is loaded
// and the index verified. Health and readiness endpoints stay unguarded.
func WarmupGuard(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !svc.Ready() {
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, errorResponse{
				Error: errorBody{
					Kind:    string(fault.KindModelUnavailable),
					Message: "service warming up",
				},
				CorrelationID: telemetry.CorrelationID(c.Request.Context()),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError maps a fault kind to its HTTP status and writes the error body.
func (h *Handlers) writeError(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	correlationID := telemetry.CorrelationID(c.Request.Context())
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("kind", string(kind)),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, errorResponse{
		Error:         errorBody{Kind: string(kind), Message: err.Error()},
		CorrelationID: correlationID,
	})
}

// =============================================================================
// Search
// =============================================================================

// HandleSearch handles POST /v1/search.
//
// # Description
//
//	Runs the full pipeline and answers 200 found, 404 processing (a discovery
//	job holds the query), or 400 invalid. A correlation id in the body takes
//	precedence over the header for callers bridging async flows.
func (h *Handlers) HandleSearch(c *gin.Context) {
	start := time.Now()

	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fault.Wrap(fault.KindInvalidQuery, "http.HandleSearch", err))
		return
	}

	ctx := c.Request.Context()
	if req.CorrelationID != "" {
		ctx = telemetry.WithCorrelationID(ctx, req.CorrelationID)
		c.Header(telemetry.CorrelationHeader, req.CorrelationID)
	}

	result, err := h.svc.Search(ctx, req.Query)
	if err != nil {
		if fault.IsKind(err, fault.KindInvalidQuery) {
			c.JSON(http.StatusBadRequest, searchResponse{
				Status:        StatusInvalid,
				SourceTier:    TierNone,
				LatencyMs:     time.Since(start).Milliseconds(),
				CorrelationID: telemetry.CorrelationID(ctx),
				Error: &errorBody{
					Kind:    string(fault.KindInvalidQuery),
					Message: err.Error(),
				},
			})
			return
		}
		h.writeError(c, err)
		return
	}

	resp := searchResponse{
		Status:        result.Status,
		Similarity:    result.Similarity,
		SourceTier:    result.SourceTier,
		Stage:         result.Stage,
		Confidence:    result.Confidence,
		JobID:         result.JobID,
		LatencyMs:     result.Latency.Milliseconds(),
		CorrelationID: result.CorrelationID,
	}
	if result.Supplement != nil {
		resp.Supplement = newSupplementPayload(result.Supplement)
	}

	status := http.StatusOK
	if result.Status == StatusProcessing {
		status = http.StatusNotFound
	}
	c.JSON(status, resp)
}

// =============================================================================
// Supplements
// =============================================================================

// HandleGetSupplement handles GET /v1/supplements/:name.
func (h *Handlers) HandleGetSupplement(c *gin.Context) {
	sup, err := h.svc.GetSupplement(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSupplementPayload(sup))
}

// HandleUpsertSupplement handles POST /v1/admin/supplements.
//
// # Description
//
//	Curated ingest: embeds the document, upserts the row, and flushes the
//	result cache. 201 when the canonical name is new, 200 on replacement.
func (h *Handlers) HandleUpsertSupplement(c *gin.Context) {
	var req upsertSupplementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fault.Wrap(fault.KindInvalidQuery, "http.HandleUpsertSupplement", err))
		return
	}

	sup, created, err := h.svc.UpsertSupplement(c.Request.Context(), req.CanonicalName, req.Aliases,
		vectorstore.Metadata{
			EvidenceGrade: req.EvidenceGrade,
			StudyCount:    req.StudyCount,
			Category:      req.Category,
			Description:   req.Description,
		})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, upsertSupplementResponse{
		Supplement: *newSupplementPayload(sup),
		Created:    created,
	})
}

// =============================================================================
// Discovery
// =============================================================================

// HandleGetJob handles GET /v1/discovery/jobs/:id.
func (h *Handlers) HandleGetJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobPayload(job))
}

// HandleRetryJob handles POST /v1/admin/discovery/jobs/:id/retry.
func (h *Handlers) HandleRetryJob(c *gin.Context) {
	job, err := h.svc.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobPayload(job))
}

// HandleDiscoveryStats handles GET /v1/discovery/stats.
func (h *Handlers) HandleDiscoveryStats(c *gin.Context) {
	stats, err := h.svc.DiscoveryStats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

var wsUpgrader = websocket.Upgrader{
	// Admin-plane endpoint; origin policy is the deployment's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleDiscoveryEvents handles GET /v1/discovery/events.
//
// # Description
//
//	Upgrades to a WebSocket and streams discovery lifecycle events as JSON
//	frames until the client disconnects. Events published while the hub's
//	buffer is full are dropped, not delayed; the stream is a monitoring aid,
//	not a durable feed.
func (h *Handlers) HandleDiscoveryEvents(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events, cancel := h.svc.Hub().Subscribe()
	defer cancel()

	// Reader goroutine: detects client disconnect and discards any frames
	// the client sends.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// Health and Debug
// =============================================================================

// HandleHealth handles GET /healthz. Process liveness only.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /readyz. Ready means the model is loaded and the
// index verified, so a load balancer may route traffic here.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Ready() {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "warming"})
		return
	}
	name, version := h.svc.ModelVersion()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ready",
		"model":         name,
		"model_version": version,
	})
}

// HandleCacheStats handles GET /debug/cache/stats.
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": h.svc.CacheStats(c.Request.Context())})
}

// HandleDiscoveryJobs handles GET /debug/discovery/jobs.
//
// Query parameters: state filters to one job state, limit caps the scan
// (default 100).
func (h *Handlers) HandleDiscoveryJobs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := h.svc.ListJobs(c.Request.Context(), discovery.State(c.Query("state")), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	payloads := make([]jobPayload, 0, len(jobs))
	for _, job := range jobs {
		payloads = append(payloads, newJobPayload(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": payloads, "count": len(payloads)})
}
