// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Package vectorstore persists supplements and answers nearest-neighbour
// queries over their embeddings. A BadgerDB catalog is the system of record;
// an Index implementation (embedded or Weaviate) serves the ANN side. All
// writes go through Store so the two stay consistent.
package vectorstore

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/suplo-health/suplo/services/search/embedding"
	"github.com/suplo-health/suplo/services/search/fault"
)

// normTolerance is how far an embedding's L2 norm may drift from 1.0 before
// it is rejected as invalid.
const normTolerance = 1e-3

// SupplementID derives the stable row id for a canonical name. Every insert
// path (seed, admin upsert, discovery worker) shares this derivation so
// racing writers converge on one row instead of colliding on fresh ids.
func SupplementID(canonical string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("suplo/supplement/"+fold(canonical))).String()
}

// Metadata carries the evidence profile attached to a supplement.
type Metadata struct {
	// EvidenceGrade is one of A through F, or empty while ungraded.
	EvidenceGrade string

	// StudyCount is the PubMed study count behind the grade.
	StudyCount int

	// Category groups supplements for browsing ("vitamin", "mineral",
	// "herb", "discovered", ...).
	Category string

	// Description is a short human-readable summary. Seed rows carry one;
	// discovered rows usually do not.
	Description string

	// FirstSeen is when the system first learned of this supplement,
	// either from the seed catalog or from a discovery job.
	FirstSeen time.Time
}

// Supplement is the primary entity: one canonical supplement with its alias
// set and search embedding.
//
// # Thread Safety
//
// Treated as immutable once handed to Store.Insert; callers must not mutate
// a supplement returned from a lookup.
type Supplement struct {
	// ID is an opaque stable identifier, unique across the catalog.
	ID string

	// CanonicalName is the canonical English form ("Vitamin D"). Unique
	// case- and accent-insensitively.
	CanonicalName string

	// Aliases are alternate names: Spanish forms, scientific names, common
	// misspellings. An alias never collides with another supplement's
	// canonical name.
	Aliases []string

	// Embedding is the unit-normalized vector the supplement is indexed
	// under, generated from the canonical name joined with the aliases.
	Embedding []float32

	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Match pairs a supplement with its similarity to a query vector.
type Match struct {
	Supplement *Supplement
	Similarity float64
}

// ValidateEmbedding rejects vectors with the wrong dimensionality or a norm
// outside [1-ε, 1+ε]. Returns an INVALID_EMBEDDING fault; never transient.
func ValidateEmbedding(op string, vec []float32) error {
	if len(vec) != embedding.Dim {
		return fault.Errorf(fault.KindInvalidEmbedding, op,
			"vector has %d dims, need %d", len(vec), embedding.Dim)
	}
	var sumSq float64
	for _, x := range vec {
		sumSq += float64(x) * float64(x)
	}
	if norm := math.Sqrt(sumSq); math.Abs(norm-1.0) > normTolerance {
		return fault.Errorf(fault.KindInvalidEmbedding, op,
			"vector norm %.6f outside unit tolerance", norm)
	}
	return nil
}

// validate checks the fields Insert relies on.
func (s *Supplement) validate() error {
	const op = "vectorstore.Insert"
	if s == nil {
		return fault.Errorf(fault.KindInvalidEmbedding, op, "nil supplement")
	}
	if s.ID == "" {
		return fault.Errorf(fault.KindInvalidEmbedding, op, "empty supplement id")
	}
	if s.CanonicalName == "" {
		return fault.Errorf(fault.KindInvalidEmbedding, op, "empty canonical name")
	}
	return ValidateEmbedding(op, s.Embedding)
}
