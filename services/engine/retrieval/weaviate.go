// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("answers.engine.retrieval")

// WeaviateRetrieverConfig configures the weaviate-backed retriever.
type WeaviateRetrieverConfig struct {
	// DefaultTopK is used when a caller passes topK <= 0. Default: 5.
	DefaultTopK int

	// ContentField is the text property on each class. Default: "content".
	ContentField string

	// MetadataFields are extra properties fetched per result.
	MetadataFields []string
}

// DefaultWeaviateRetrieverConfig returns sensible defaults.
func DefaultWeaviateRetrieverConfig() WeaviateRetrieverConfig {
	return WeaviateRetrieverConfig{
		DefaultTopK:    5,
		ContentField:   "content",
		MetadataFields: []string{"source", "effectiveDate", "chunkId"},
	}
}

// WeaviateRetriever implements Retriever over a weaviate instance,
// using nearText semantic search. One weaviate class per knowledge
// collection.
//
// Thread Safety: Safe for concurrent use.
type WeaviateRetriever struct {
	client *weaviate.Client
	config WeaviateRetrieverConfig
}

// NewWeaviateRetriever creates a retriever over an existing client.
func NewWeaviateRetriever(client *weaviate.Client, config WeaviateRetrieverConfig) (*WeaviateRetriever, error) {
	if client == nil {
		return nil, errors.New("weaviate client must not be nil")
	}
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = 5
	}
	if config.ContentField == "" {
		config.ContentField = "content"
	}
	return &WeaviateRetriever{client: client, config: config}, nil
}

// Search implements Retriever.
func (r *WeaviateRetriever) Search(ctx context.Context, query, collection string, topK int, filter *Filter) (*SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.collection", collection),
		attribute.Int("retrieval.top_k", topK),
	)

	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if collection == "" {
		return nil, errors.New("collection cannot be empty")
	}
	if topK <= 0 {
		topK = r.config.DefaultTopK
	}

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: r.config.ContentField},
		{Name: "_additional { certainty distance }"},
	}
	for _, f := range r.config.MetadataFields {
		fields = append(fields, graphql.Field{Name: f})
	}

	builder := r.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(topK)

	if filter != nil {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{filter.Field}).
			WithOperator(filters.Equal).
			WithValueString(filter.Value))
	}

	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search on %s: %w", collection, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search on %s: %s", collection, result.Errors[0].Message)
	}

	resp := r.parseResults(result.Data, collection)
	slog.Debug("Vector search complete",
		slog.String("collection", collection),
		slog.Int("results", len(resp.Results)),
	)
	return resp, nil
}

// parseResults unpacks the generic GraphQL response shape.
func (r *WeaviateRetriever) parseResults(data map[string]models.JSONObject, collection string) *SearchResponse {
	resp := &SearchResponse{}

	get, ok := data["Get"].(map[string]any)
	if !ok {
		return resp
	}
	items, ok := get[collection].([]any)
	if !ok {
		return resp
	}

	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		res := Result{Metadata: make(map[string]any)}
		if text, ok := item[r.config.ContentField].(string); ok {
			res.Text = text
		}
		if additional, ok := item["_additional"].(map[string]any); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				res.Score = certainty
			}
		}
		for _, f := range r.config.MetadataFields {
			if v, ok := item[f]; ok && v != nil {
				res.Metadata[f] = v
			}
		}
		resp.Results = append(resp.Results, res)
	}
	return resp
}
