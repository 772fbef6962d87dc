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
	"errors"
	"fmt"

	"github.com/philippgille/chromem-go"
)

// collectionName is the single chromem collection the embedded index uses.
const collectionName = "supplements"

// errPrecomputedOnly guards against any path that would ask chromem to embed
// text itself; every vector in this system comes from the embedding service.
var errPrecomputedOnly = errors.New("index stores precomputed vectors only")

// EmbeddedIndex is the in-process ANN backend. It holds the whole index in
// memory and optionally persists it to a directory, which fits the catalog's
// 10^4-10^5 row scale without running a separate vector database.
//
// # Thread Safety
//
// Safe for concurrent use; chromem serializes collection mutations.
type EmbeddedIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewEmbeddedIndex opens the index. An empty dir keeps it purely in memory
// (tests, ephemeral deploys); otherwise documents persist under dir and
// reload on the next open.
func NewEmbeddedIndex(dir string) (*EmbeddedIndex, error) {
	var (
		db  *chromem.DB
		err error
	)
	if dir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open embedded index: %w", err)
		}
	}

	col, err := db.GetOrCreateCollection(collectionName, nil,
		func(ctx context.Context, text string) ([]float32, error) {
			return nil, errPrecomputedOnly
		})
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	return &EmbeddedIndex{db: db, col: col}, nil
}

// Upsert implements Index.
func (x *EmbeddedIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	return x.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   id,
		Embedding: vector,
	})
}

// Remove implements Index.
func (x *EmbeddedIndex) Remove(ctx context.Context, id string) error {
	return x.col.Delete(ctx, nil, nil, id)
}

// Search implements Index. chromem requires nResults <= Count, so k is
// clamped; an empty collection short-circuits to no candidates.
func (x *EmbeddedIndex) Search(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	n := x.col.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := x.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, Candidate{
			ID:         r.ID,
			Similarity: float64(r.Similarity),
		})
	}
	return candidates, nil
}

// Count implements Index.
func (x *EmbeddedIndex) Count(ctx context.Context) (int, error) {
	return x.col.Count(), nil
}

// Close implements Index. The persistent form flushes on every write, so
// there is nothing to tear down.
func (x *EmbeddedIndex) Close() error {
	return nil
}
