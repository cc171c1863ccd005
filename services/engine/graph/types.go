// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph extracts typed entities and relationships from text
// and persists them as a queryable, exportable knowledge graph.
package graph

import "errors"

// Extraction sources.
const (
	SourceLLM   = "llm"
	SourceRegex = "regex"
)

// RegexConfidence is assigned to entities synthesized by the regex
// fallback; pattern matches carry less signal than model extraction.
const RegexConfidence = 0.5

var (
	// ErrUnknownEntity is returned when a relationship references an
	// entity id that does not exist.
	ErrUnknownEntity = errors.New("relationship references unknown entity")

	// ErrInvalidEntity is returned for entities missing an id or name.
	ErrInvalidEntity = errors.New("entity missing id or name")

	// ErrInvalidRelationship is returned for relationships missing an
	// id, endpoint, or type.
	ErrInvalidRelationship = errors.New("relationship missing id, endpoint, or type")

	// ErrUnknownFormat is returned by Export for unsupported formats.
	ErrUnknownFormat = errors.New("unknown export format")
)

// Entity is one node in the knowledge graph. Entities are upserted by
// EntityID and never hard-deleted outside explicit migration.
type Entity struct {
	EntityID         string         `json:"entity_id"`
	EntityType       string         `json:"entity_type"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Confidence       float64        `json:"confidence"`
	Source           string         `json:"source,omitempty"`
	SourceCollection string         `json:"source_collection,omitempty"`
	SourceChunkIDs   []string       `json:"source_chunk_ids,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
}

// Valid reports whether the entity can be persisted.
func (e *Entity) Valid() bool {
	return e.EntityID != "" && e.Name != ""
}

// Relationship is one edge. Both endpoints must already exist when the
// relationship is added.
type Relationship struct {
	RelationshipID   string         `json:"relationship_id"`
	SourceEntityID   string         `json:"source_entity_id"`
	TargetEntityID   string         `json:"target_entity_id"`
	RelationshipType string         `json:"relationship_type"`
	Confidence       float64        `json:"confidence"`
	Properties       map[string]any `json:"properties,omitempty"`
}

// Valid reports whether the relationship can be persisted.
func (r *Relationship) Valid() bool {
	return r.RelationshipID != "" && r.SourceEntityID != "" &&
		r.TargetEntityID != "" && r.RelationshipType != ""
}

// Extraction is the result of one extraction run.
type Extraction struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`

	// Source records which path produced the extraction.
	Source string `json:"source"`
}
