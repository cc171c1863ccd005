// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// Format names a graph export serialization.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCypher  Format = "cypher"
	FormatGraphML Format = "graphml"
)

// Export serializes the full graph in the requested format. All
// formats are derived from the same snapshot, so entity and
// relationship counts always agree across them.
func (s *Store) Export(ctx context.Context, format Format) (string, error) {
	entities, rels, err := s.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatJSON:
		return exportJSON(entities, rels)
	case FormatCypher:
		return exportCypher(entities, rels), nil
	case FormatGraphML:
		return exportGraphML(entities, rels)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func exportJSON(entities []Entity, rels []Relationship) (string, error) {
	doc := struct {
		Entities      []Entity       `json:"entities"`
		Relationships []Relationship `json:"relationships"`
	}{
		Entities:      entities,
		Relationships: rels,
	}
	// Empty slices serialize as [], not null.
	if doc.Entities == nil {
		doc.Entities = []Entity{}
	}
	if doc.Relationships == nil {
		doc.Relationships = []Relationship{}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// exportCypher emits one CREATE/MERGE statement per entity and
// relationship.
func exportCypher(entities []Entity, rels []Relationship) string {
	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "MERGE (n:%s {entity_id: %s}) SET n.name = %s, n.confidence = %.2f",
			cypherLabel(e.EntityType), cypherString(e.EntityID),
			cypherString(e.Name), e.Confidence)
		if e.Description != "" {
			fmt.Fprintf(&b, ", n.description = %s", cypherString(e.Description))
		}
		b.WriteString(";\n")
	}
	for _, r := range rels {
		fmt.Fprintf(&b,
			"MATCH (a {entity_id: %s}), (b {entity_id: %s}) MERGE (a)-[:%s {relationship_id: %s, confidence: %.2f}]->(b);\n",
			cypherString(r.SourceEntityID), cypherString(r.TargetEntityID),
			cypherLabel(r.RelationshipType), cypherString(r.RelationshipID),
			r.Confidence)
	}
	return b.String()
}

// cypherLabel sanitizes a type into a bare Cypher label.
func cypherLabel(t string) string {
	if t == "" {
		return "Entity"
	}
	var b strings.Builder
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

func cypherString(s string) string {
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
}

// graphml wire structs.
type graphmlDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	Xmlns   string       `xml:"xmlns,attr"`
	Keys    []graphmlKey `xml:"key"`
	Graph   graphmlGraph `xml:"graph"`
}

type graphmlKey struct {
	ID   string `xml:"id,attr"`
	For  string `xml:"for,attr"`
	Name string `xml:"attr.name,attr"`
	Type string `xml:"attr.type,attr"`
}

type graphmlGraph struct {
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphmlNode `xml:"node"`
	Edges       []graphmlEdge `xml:"edge"`
}

type graphmlNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphmlData `xml:"data"`
}

type graphmlEdge struct {
	ID     string        `xml:"id,attr"`
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphmlData `xml:"data"`
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

func exportGraphML(entities []Entity, rels []Relationship) (string, error) {
	doc := graphmlDoc{
		Xmlns: "http://graphml.graphdrawing.org/xmlns",
		Keys: []graphmlKey{
			{ID: "name", For: "node", Name: "name", Type: "string"},
			{ID: "type", For: "node", Name: "entity_type", Type: "string"},
			{ID: "confidence", For: "node", Name: "confidence", Type: "double"},
			{ID: "rel_type", For: "edge", Name: "relationship_type", Type: "string"},
		},
		Graph: graphmlGraph{ID: "knowledge", EdgeDefault: "directed"},
	}
	for _, e := range entities {
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphmlNode{
			ID: e.EntityID,
			Data: []graphmlData{
				{Key: "name", Value: e.Name},
				{Key: "type", Value: e.EntityType},
				{Key: "confidence", Value: fmt.Sprintf("%.2f", e.Confidence)},
			},
		})
	}
	for _, r := range rels {
		doc.Graph.Edges = append(doc.Graph.Edges, graphmlEdge{
			ID:     r.RelationshipID,
			Source: r.SourceEntityID,
			Target: r.TargetEntityID,
			Data:   []graphmlData{{Key: "rel_type", Value: r.RelationshipType}},
		})
	}

	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(raw), nil
}
