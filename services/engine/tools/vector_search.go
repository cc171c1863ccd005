// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

// VectorSearch wraps the injected retriever over a fixed set of
// routed collections.
type VectorSearch struct {
	retriever   retrieval.Retriever
	collections []string
	topK        int
	timeout     time.Duration
}

// NewVectorSearch builds the tool. collections must be non-empty; the
// first entry is the default when the model names none.
func NewVectorSearch(r retrieval.Retriever, collections []string, topK int, timeout time.Duration) (*VectorSearch, error) {
	if r == nil {
		return nil, fmt.Errorf("vector search requires a retriever")
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("vector search requires at least one collection")
	}
	if topK <= 0 {
		topK = 5
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &VectorSearch{
		retriever:   r,
		collections: append([]string(nil), collections...),
		topK:        topK,
		timeout:     timeout,
	}, nil
}

func (v *VectorSearch) Name() string { return "vector_search" }
func (v *VectorSearch) Kind() Kind   { return KindVectorSearch }

func (v *VectorSearch) Description() string {
	return fmt.Sprintf(
		"Semantic search over the knowledge base. Arguments: {\"query\": string, \"collection\": optional, one of [%s]}",
		strings.Join(v.collections, ", "))
}

// Invoke searches the requested collection, defaulting to the route's
// primary. A collection outside the route is an argument error.
func (v *VectorSearch) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}

	collection := v.collections[0]
	if raw, ok := args["collection"].(string); ok && raw != "" {
		if !v.allowed(raw) {
			return nil, fmt.Errorf("collection %q is not part of this route", raw)
		}
		collection = raw
	}
	topK := intArg(args, "top_k", v.topK)
	if topK <= 0 || topK > 20 {
		topK = v.topK
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.retriever.Search(ctx, query, collection, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	if len(resp.Results) == 0 {
		return &Result{Content: fmt.Sprintf("No results found in %s.", collection)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Top %d results from %s:\n", len(resp.Results), collection)
	for i, res := range resp.Results {
		fmt.Fprintf(&b, "[%d] (score %.2f) %s\n", i+1, res.Score, res.Text)
	}
	return &Result{Content: b.String(), Sources: resp.Results}, nil
}

func (v *VectorSearch) allowed(collection string) bool {
	for _, c := range v.collections {
		if c == collection {
			return true
		}
	}
	return false
}
