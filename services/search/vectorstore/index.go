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

import "context"

// Candidate is one raw ANN hit before catalog hydration.
type Candidate struct {
	ID         string
	Similarity float64
}

// Index is the ANN side of the store. Implementations hold only (id, vector)
// pairs; everything else lives in the catalog, so an index can always be
// rebuilt from it.
//
// Implementations return plain errors; Store classifies them into fault
// kinds at its boundary.
type Index interface {
	// Upsert adds or replaces the vector for id.
	Upsert(ctx context.Context, id string, vector []float32) error

	// Remove deletes id. Absent ids are a no-op.
	Remove(ctx context.Context, id string) error

	// Search returns up to k nearest candidates by cosine similarity,
	// descending. Fewer than k results is normal on a small index.
	Search(ctx context.Context, vector []float32, k int) ([]Candidate, error)

	// Count reports how many vectors the index holds.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
