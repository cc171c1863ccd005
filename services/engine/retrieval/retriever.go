// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval defines the injected search capabilities the engine
// consumes. The reasoning core never talks to a vector index directly;
// it goes through the Retriever contract so the host application can
// swap the backing store.
package retrieval

import (
	"context"
	"math"
)

// Result is one retrieved snippet with its relevance score.
type Result struct {
	// Text is the snippet content.
	Text string `json:"text"`

	// Score is the backend relevance score, normalized to [0,1]
	// where the backend allows it.
	Score float64 `json:"score"`

	// Metadata carries backend-specific fields (source document,
	// effective date, chunk id).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResponse is the outcome of one collection search.
type SearchResponse struct {
	// Results are ordered by descending relevance.
	Results []Result `json:"results"`

	// Reranked reports whether a reranking pass was applied.
	Reranked bool `json:"reranked"`
}

// Filter restricts a search to results matching a metadata field.
type Filter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Retriever is the injected vector search capability.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Retriever interface {
	// Search runs a semantic search against one collection.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//   query - Natural-language query text.
	//   collection - Knowledge collection (class) name.
	//   topK - Maximum number of results. Values <= 0 use a backend default.
	//   filter - Optional metadata restriction; may be nil.
	Search(ctx context.Context, query, collection string, topK int, filter *Filter) (*SearchResponse, error)
}

// Embedder computes embedding vectors for query similarity. Used by
// the golden-route cache; the engine does not embed documents itself.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
