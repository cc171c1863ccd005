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
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
	"github.com/AleutianAI/AleutianAnswers/services/llm"
)

// Generator is the slice of the LLM gateway the builder needs.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, tier llm.Tier, params llm.GenerationParams) (*llm.Response, error)
}

const extractionPrompt = `Extract entities and relationships from the text below.

Respond with ONLY a JSON object in exactly this shape, no prose:
{
  "entities": [
    {"entity_id": "stable-kebab-case-id", "entity_type": "organization|person|product|concept|code", "name": "...", "description": "...", "confidence": 0.0}
  ],
  "relationships": [
    {"relationship_id": "source-id__type__target-id", "source_entity_id": "...", "target_entity_id": "...", "relationship_type": "owns|part_of|located_in|works_for|related_to", "confidence": 0.0}
  ]
}

Every relationship endpoint must be an entity_id from the entities array.

Text:
`

// industryCodePattern matches 5-digit industry classification codes,
// the one identifier class extractable without a model.
var industryCodePattern = regexp.MustCompile(`\b\d{5}\b`)

// Builder turns free text into graph entities and relationships.
//
// The LLM path asks the specialized tier for a fixed JSON shape and
// parses it strictly. Any failure on that path degrades to the regex
// fallback rather than raising; extraction is best-effort by design
// of its callers (ingestion pipelines, memory writes).
type Builder struct {
	gen   Generator
	store *Store
	log   *slog.Logger
}

// NewBuilder builds a graph builder. gen may be nil, which forces the
// regex path. store may be nil when only ExtractEntities is used.
func NewBuilder(gen Generator, store *Store, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{gen: gen, store: store, log: log}
}

// ExtractEntities extracts entities and relationships from text.
//
// Outputs:
//
//	*Extraction - Never nil; Source records the path taken. The
//	              regex path may return zero entities without error.
//	error - Non-nil only when even the fallback cannot run.
func (b *Builder) ExtractEntities(ctx context.Context, text string) (*Extraction, error) {
	ctx, span := tracer.Start(ctx, "graph.ExtractEntities")
	defer span.End()

	if b.gen == nil {
		return b.regexExtract(text), nil
	}

	ext, err := b.llmExtract(ctx, text)
	if err != nil {
		observability.GraphExtractions.WithLabelValues(SourceLLM, "error").Inc()
		b.log.Warn("llm extraction failed, using regex fallback",
			slog.String("error", err.Error()))
		return b.regexExtract(text), nil
	}
	observability.GraphExtractions.WithLabelValues(SourceLLM, "ok").Inc()
	return ext, nil
}

// Ingest extracts from text and persists the result.
//
// Entities are persisted before relationships so the referential
// check sees every endpoint from the same run. A failed item does not
// stop the rest; all item errors are joined and returned.
func (b *Builder) Ingest(ctx context.Context, text, sourceCollection string) (*Extraction, error) {
	if b.store == nil {
		return nil, fmt.Errorf("graph builder has no store configured")
	}

	ext, err := b.ExtractEntities(ctx, text)
	if err != nil {
		return nil, err
	}

	var errs []error
	for i := range ext.Entities {
		ext.Entities[i].SourceCollection = sourceCollection
		if err := b.store.AddEntity(ctx, ext.Entities[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range ext.Relationships {
		if err := b.store.AddRelationship(ctx, ext.Relationships[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return ext, errors.Join(errs...)
}

func (b *Builder) llmExtract(ctx context.Context, text string) (*Extraction, error) {
	resp, err := b.gen.Generate(ctx,
		[]llm.Message{
			{Role: "system", Content: "You are a precise information extraction engine. You respond with valid JSON only."},
			{Role: "user", Content: extractionPrompt + text},
		},
		llm.TierSpecialized,
		llm.GenerationParams{Temperature: floatPtr(0)},
	)
	if err != nil {
		return nil, err
	}

	var wire struct {
		Entities      []Entity       `json:"entities"`
		Relationships []Relationship `json:"relationships"`
	}
	payload := stripCodeFence(resp.Content)
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("parsing extraction output: %w", err)
	}

	ext := &Extraction{Source: SourceLLM}
	ids := make(map[string]bool)
	for _, e := range wire.Entities {
		if !e.Valid() {
			b.log.Debug("dropping invalid extracted entity", slog.String("id", e.EntityID))
			continue
		}
		e.Confidence = clamp01(e.Confidence)
		e.Source = SourceLLM
		ids[e.EntityID] = true
		ext.Entities = append(ext.Entities, e)
	}
	for _, r := range wire.Relationships {
		if !r.Valid() || !ids[r.SourceEntityID] || !ids[r.TargetEntityID] {
			b.log.Debug("dropping invalid extracted relationship",
				slog.String("id", r.RelationshipID))
			continue
		}
		r.Confidence = clamp01(r.Confidence)
		ext.Relationships = append(ext.Relationships, r)
	}
	return ext, nil
}

// regexExtract synthesizes minimal entities from industry codes in
// the text. Zero matches is a valid, empty extraction.
func (b *Builder) regexExtract(text string) *Extraction {
	ext := &Extraction{Source: SourceRegex}
	seen := make(map[string]bool)
	for _, code := range industryCodePattern.FindAllString(text, -1) {
		if seen[code] {
			continue
		}
		seen[code] = true
		ext.Entities = append(ext.Entities, Entity{
			EntityID:   "code-" + code,
			EntityType: "industry_code",
			Name:       code,
			Confidence: RegexConfidence,
			Source:     SourceRegex,
		})
	}
	observability.GraphExtractions.WithLabelValues(SourceRegex, "ok").Inc()
	return ext
}

// stripCodeFence removes a surrounding markdown fence when a model
// wraps its JSON despite the prompt.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatPtr(v float32) *float32 { return &v }
