// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package vectorstore

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/suplo-health/suplo/services/search/fault"
)

var storeTracer = otel.Tracer("suplo.search.vectorstore")

var (
	annDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "suplo",
		Subsystem: "store",
		Name:      "ann_duration_seconds",
		Help:      "Duration of one ANN query including catalog hydration.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	insertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suplo",
		Subsystem: "store",
		Name:      "inserts_total",
		Help:      "Supplement inserts by status.",
	}, []string{"status"})

	supplementsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "suplo",
		Subsystem: "store",
		Name:      "supplements",
		Help:      "Supplements currently in the catalog.",
	})
)

// Store is the write and query surface over the catalog and the ANN index.
//
// # Description
//
// The catalog is authoritative: an insert lands there first, then in the
// index, and an index failure rolls the catalog row back so the two never
// disagree about membership. Reads classify backend failures into
// STORE_UNAVAILABLE so the request path can retry them.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	catalog *Catalog
	index   Index
	logger  *slog.Logger
}

// New wires a Store.
func New(catalog *Catalog, index Index, logger *slog.Logger) *Store {
	return &Store{catalog: catalog, index: index, logger: logger}
}

// Catalog exposes the system of record for read-only consumers (backup,
// stats). Mutations must go through Store.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

// Close releases the index backend.
func (s *Store) Close() error {
	return s.index.Close()
}

// =============================================================================
// Writes
// =============================================================================

// Insert stores one supplement in the catalog and the index.
//
// # Outputs
//
//	error - INVALID_EMBEDDING for malformed vectors, DUPLICATE for canonical
//	        collisions, STORE_UNAVAILABLE for backend failures.
func (s *Store) Insert(ctx context.Context, sup *Supplement) error {
	ctx, span := storeTracer.Start(ctx, "vectorstore.Insert")
	defer span.End()

	if err := sup.validate(); err != nil {
		insertsTotal.WithLabelValues("invalid").Inc()
		return err
	}

	now := time.Now().UTC()
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = now
	}
	sup.UpdatedAt = now
	if sup.Metadata.FirstSeen.IsZero() {
		sup.Metadata.FirstSeen = now
	}

	if err := s.catalog.Insert(ctx, sup); err != nil {
		if fault.IsKind(err, fault.KindDuplicate) {
			insertsTotal.WithLabelValues("duplicate").Inc()
			span.SetAttributes(attribute.Bool("duplicate", true))
			return err
		}
		insertsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog insert failed")
		return fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Insert", err)
	}

	if err := s.index.Upsert(ctx, sup.ID, sup.Embedding); err != nil {
		// Unwind the catalog row so the supplement is not findable by
		// name while invisible to search.
		if rbErr := s.catalog.Remove(ctx, sup.ID); rbErr != nil {
			s.logger.Error("catalog rollback failed after index error",
				slog.String("supplement_id", sup.ID),
				slog.String("index_error", err.Error()),
				slog.String("rollback_error", rbErr.Error()),
			)
		}
		insertsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "index upsert failed")
		return fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Insert", err)
	}

	insertsTotal.WithLabelValues("success").Inc()
	supplementsGauge.Inc()
	span.SetAttributes(attribute.String("supplement_id", sup.ID))
	s.logger.Info("supplement inserted",
		slog.String("component", "vectorstore"),
		slog.String("supplement_id", sup.ID),
		slog.String("canonical_name", sup.CanonicalName),
		slog.String("evidence_grade", sup.Metadata.EvidenceGrade),
		slog.Int("aliases", len(sup.Aliases)),
	)
	return nil
}

// Upsert inserts sup, replacing any supplement with the same canonical name.
//
// # Description
//
//	A replacement keeps the prior row's id, creation time, and first-seen
//	timestamp so external references and provenance survive curation edits.
//	The old row is removed before the new one lands; a racing insert of the
//	same name in that window surfaces as DUPLICATE and the caller retries.
//
// # Outputs
//
//	created - true when no supplement with that canonical name existed.
//	error   - Same classification as Insert.
func (s *Store) Upsert(ctx context.Context, sup *Supplement) (created bool, err error) {
	ctx, span := storeTracer.Start(ctx, "vectorstore.Upsert")
	defer span.End()

	existing, err := s.GetByCanonicalName(ctx, sup.CanonicalName)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, s.Insert(ctx, sup)
	}

	sup.ID = existing.ID
	sup.CreatedAt = existing.CreatedAt
	if sup.Metadata.FirstSeen.IsZero() {
		sup.Metadata.FirstSeen = existing.Metadata.FirstSeen
	}
	if err := s.Remove(ctx, existing.ID); err != nil {
		return false, err
	}
	if err := s.Insert(ctx, sup); err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("supplement_id", sup.ID))
	return false, nil
}

// Remove deletes a supplement from the catalog and the index. Absent ids are
// a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	sup, err := s.catalog.Get(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Remove", err)
	}
	if sup == nil {
		return nil
	}
	if err := s.catalog.Remove(ctx, id); err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Remove", err)
	}
	if err := s.index.Remove(ctx, id); err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Remove", err)
	}
	supplementsGauge.Dec()
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// GetByCanonicalName resolves a canonical name, (nil, nil) when absent.
func (s *Store) GetByCanonicalName(ctx context.Context, name string) (*Supplement, error) {
	sup, err := s.catalog.GetByCanonicalName(ctx, name)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "vectorstore.GetByCanonicalName", err)
	}
	return sup, nil
}

// Get resolves a supplement id, (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Supplement, error) {
	sup, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Get", err)
	}
	return sup, nil
}

// ANN returns supplements within minSimilarity of the query vector,
// descending, at most k.
//
// # Description
//
//	Similarities equal to three decimals order by lower supplement id so
//	results are deterministic across backends and runs. Candidates whose
//	catalog row has vanished (index lag after a rollback) are skipped with a
//	warning rather than failing the query.
//
// # Outputs
//
//	[]Match - May be empty; never contains entries below minSimilarity.
//	error   - INVALID_EMBEDDING for malformed query vectors,
//	          STORE_UNAVAILABLE when the index cannot answer.
func (s *Store) ANN(ctx context.Context, vector []float32, k int, minSimilarity float64) ([]Match, error) {
	ctx, span := storeTracer.Start(ctx, "vectorstore.ANN")
	defer span.End()

	if err := ValidateEmbedding("vectorstore.ANN", vector); err != nil {
		return nil, err
	}

	start := time.Now()
	candidates, err := s.index.Search(ctx, vector, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index search failed")
		return nil, fault.Wrap(fault.KindStoreUnavailable, "vectorstore.ANN", err)
	}

	matches := make([]Match, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Similarity < minSimilarity {
			continue
		}
		sup, err := s.catalog.Get(ctx, cand.ID)
		if err != nil {
			span.RecordError(err)
			return nil, fault.Wrap(fault.KindStoreUnavailable, "vectorstore.ANN", err)
		}
		if sup == nil {
			s.logger.Warn("index candidate missing from catalog",
				slog.String("component", "vectorstore"),
				slog.String("supplement_id", cand.ID),
			)
			continue
		}
		matches = append(matches, Match{Supplement: sup, Similarity: cand.Similarity})
	}

	sort.Slice(matches, func(i, j int) bool {
		ri, rj := round3(matches[i].Similarity), round3(matches[j].Similarity)
		if ri != rj {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Supplement.ID < matches[j].Supplement.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}

	annDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("matches", len(matches)),
	)
	return matches, nil
}

// Stats aggregates catalog distributions and keeps the population gauge
// honest after restarts.
func (s *Store) Stats(ctx context.Context) (CatalogStats, error) {
	stats, err := s.catalog.Stats(ctx)
	if err != nil {
		return stats, fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Stats", err)
	}
	supplementsGauge.Set(float64(stats.Supplements))
	return stats, nil
}

// Reindex rebuilds the ANN index from the catalog. Run at startup when the
// index is empty but the catalog is not (fresh index directory, new Weaviate
// cluster) and by the seed path after bulk catalog writes.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	ctx, span := storeTracer.Start(ctx, "vectorstore.Reindex")
	defer span.End()

	n := 0
	err := s.catalog.ForEach(ctx, func(sup *Supplement) error {
		if err := s.index.Upsert(ctx, sup.ID, sup.Embedding); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reindex failed")
		return n, fault.Wrap(fault.KindStoreUnavailable, "vectorstore.Reindex", err)
	}
	span.SetAttributes(attribute.Int("reindexed", n))
	return n, nil
}

// IndexCount reports how many vectors the index currently holds.
func (s *Store) IndexCount(ctx context.Context) (int, error) {
	n, err := s.index.Count(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindStoreUnavailable, "vectorstore.IndexCount", err)
	}
	return n, nil
}

// round3 truncates similarity comparison to the tie-break precision.
func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
