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

	"github.com/AleutianAI/AleutianAnswers/services/engine/graph"
	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

// GraphLookup answers entity questions from the knowledge graph.
type GraphLookup struct {
	store *graph.Store
	limit int
}

// NewGraphLookup builds the tool.
func NewGraphLookup(store *graph.Store) (*GraphLookup, error) {
	if store == nil {
		return nil, fmt.Errorf("graph lookup requires a graph store")
	}
	return &GraphLookup{store: store, limit: 5}, nil
}

func (g *GraphLookup) Name() string { return "graph_lookup" }
func (g *GraphLookup) Kind() Kind   { return KindGraphLookup }

func (g *GraphLookup) Description() string {
	return `Look up a known entity and its relationships in the knowledge graph. Arguments: {"entity": entity name or fragment}`
}

func (g *GraphLookup) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	name, err := stringArg(args, "entity")
	if err != nil {
		return nil, err
	}

	entities, err := g.store.FindEntities(ctx, name, g.limit)
	if err != nil {
		return nil, fmt.Errorf("finding entities: %w", err)
	}
	if len(entities) == 0 {
		return &Result{Content: fmt.Sprintf("No graph entity matches %q.", name)}, nil
	}

	var b strings.Builder
	var sources []retrieval.Result
	for _, e := range entities {
		fmt.Fprintf(&b, "Entity %s (%s, confidence %.2f)", e.Name, e.EntityType, e.Confidence)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}
		b.WriteByte('\n')

		rels, err := g.store.Neighbors(ctx, e.EntityID)
		if err != nil {
			return nil, fmt.Errorf("loading relationships: %w", err)
		}
		for _, r := range rels {
			fmt.Fprintf(&b, "  %s -[%s]-> %s\n",
				r.SourceEntityID, r.RelationshipType, r.TargetEntityID)
		}

		sources = append(sources, retrieval.Result{
			Text:  e.Name + " " + e.Description,
			Score: e.Confidence,
			Metadata: map[string]any{
				"source":    "knowledge_graph",
				"entity_id": e.EntityID,
			},
		})
	}
	return &Result{Content: b.String(), Sources: sources}, nil
}
