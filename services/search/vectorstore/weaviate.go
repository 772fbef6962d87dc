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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	wfault "github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// weaviateClass is the class the index lives in. Vectorizer is "none": every
// vector is computed by the embedding service and shipped with the object.
const weaviateClass = "Supplement"

// idProperty carries the catalog id so search results can hydrate without a
// second round trip per hit.
const idProperty = "supplementId"

// WeaviateIndex is the server-backed ANN option for deployments where the
// index outgrows one process or is shared by several.
//
// # Thread Safety
//
// Safe for concurrent use; the client pools its HTTP connections.
type WeaviateIndex struct {
	client *weaviate.Client
}

// NewWeaviateIndex connects and ensures the class schema exists. Schema
// creation is idempotent across service instances racing at startup.
func NewWeaviateIndex(ctx context.Context, scheme, host string) (*WeaviateIndex, error) {
	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}

	exists, err := client.Schema().ClassExistenceChecker().
		WithClassName(weaviateClass).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate schema check: %w", err)
	}
	if !exists {
		err = client.Schema().ClassCreator().WithClass(&models.Class{
			Class:      weaviateClass,
			Vectorizer: "none",
			VectorIndexConfig: map[string]interface{}{
				"distance": "cosine",
			},
			Properties: []*models.Property{
				{Name: idProperty, DataType: []string{"text"}},
			},
		}).Do(ctx)
		if err != nil && !isWeaviateStatus(err, 422) {
			// 422 means another instance created it first.
			return nil, fmt.Errorf("weaviate schema create: %w", err)
		}
	}
	return &WeaviateIndex{client: client}, nil
}

// weaviateID maps a catalog id onto a stable object UUID so re-inserts
// replace instead of duplicating.
func weaviateID(id string) strfmt.UUID {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte("suplo/supplement/"+id))
	return strfmt.UUID(u.String())
}

// Upsert implements Index via the batch endpoint, whose PUT semantics
// replace an existing object with the same UUID.
func (x *WeaviateIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	resp, err := x.client.Batch().ObjectsBatcher().WithObjects(&models.Object{
		Class:  weaviateClass,
		ID:     weaviateID(id),
		Vector: models.C11yVector(vector),
		Properties: map[string]interface{}{
			idProperty: id,
		},
	}).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate upsert %s: %w", id, err)
	}
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			if e != nil && e.Message != "" {
				return fmt.Errorf("weaviate upsert %s: %s", id, e.Message)
			}
		}
	}
	return nil
}

// Remove implements Index. A 404 means the object was never indexed, which
// is fine for a rollback path.
func (x *WeaviateIndex) Remove(ctx context.Context, id string) error {
	err := x.client.Data().Deleter().
		WithClassName(weaviateClass).
		WithID(string(weaviateID(id))).
		Do(ctx)
	if err != nil && !isWeaviateStatus(err, 404) {
		return fmt.Errorf("weaviate remove %s: %w", id, err)
	}
	return nil
}

// Search implements Index with a nearVector GraphQL query. Weaviate reports
// cosine distance; similarity is 1 - distance.
func (x *WeaviateIndex) Search(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	nearVector := x.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	resp, err := x.client.GraphQL().Get().
		WithClassName(weaviateClass).
		WithFields(
			graphql.Field{Name: idProperty},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
		).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	return parseNearVectorResponse(resp)
}

// Count implements Index with an aggregate meta count.
func (x *WeaviateIndex) Count(ctx context.Context) (int, error) {
	resp, err := x.client.GraphQL().Aggregate().
		WithClassName(weaviateClass).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate count: %w", err)
	}
	if err := graphQLErrors(resp); err != nil {
		return 0, err
	}
	agg, ok := resp.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[weaviateClass].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	n, _ := toFloat(meta["count"])
	return int(n), nil
}

// Close implements Index. The HTTP client needs no teardown.
func (x *WeaviateIndex) Close() error {
	return nil
}

// =============================================================================
// Response Parsing
// =============================================================================

// parseNearVectorResponse unpacks a Get{Supplement{supplementId _additional
// {distance}}} response into candidates, preserving server order.
func parseNearVectorResponse(resp *models.GraphQLResponse) ([]Candidate, error) {
	if err := graphQLErrors(resp); err != nil {
		return nil, err
	}
	get, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rows, ok := get[weaviateClass].([]interface{})
	if !ok {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := row[idProperty].(string)
		if id == "" {
			continue
		}
		additional, _ := row["_additional"].(map[string]interface{})
		distance, ok := toFloat(additional["distance"])
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:         id,
			Similarity: 1.0 - distance,
		})
	}
	return candidates, nil
}

// graphQLErrors folds response-level errors into one Go error.
func graphQLErrors(resp *models.GraphQLResponse) error {
	if resp == nil {
		return errors.New("weaviate: nil graphql response")
	}
	if len(resp.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return fmt.Errorf("weaviate: %s", strings.Join(msgs, "; "))
}

// toFloat accepts the two number shapes GraphQL decoding produces.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// isWeaviateStatus reports whether err is a client error with the given
// HTTP status.
func isWeaviateStatus(err error, status int) bool {
	var ce *wfault.WeaviateClientError
	return errors.As(err, &ce) && ce.StatusCode == status
}
