// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing scores queries against the domain registry and turns
// them into collection routes.
//
// A route is resolved in three stages, cheapest first:
//
//  1. Priority overrides - regex classes (identity, team roster, meta)
//     that map straight to a fixed collection.
//  2. Golden route cache - embedding similarity against previously
//     validated canonical queries.
//  3. Keyword scoring - weighted keyword match per domain, with a
//     confidence band deciding how many fallback collections ride
//     along.
//
// Thread Safety: Router is safe for concurrent use. The registry is
// read-only; the golden cache guards its own state.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAnswers/services/engine/config"
	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
)

var tracer = otel.Tracer("answers.engine.routing")

// Confidence bands.
const (
	HighConfidenceThreshold = 0.7
	LowConfidenceThreshold  = 0.3
)

// ConfidenceBand classifies routing confidence.
type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// BandFor maps a confidence score onto its band.
func BandFor(confidence float64) ConfidenceBand {
	switch {
	case confidence >= HighConfidenceThreshold:
		return BandHigh
	case confidence <= LowConfidenceThreshold:
		return BandLow
	default:
		return BandMedium
	}
}

// Route sources, recorded on every decision.
const (
	SourceOverride = "override"
	SourceGolden   = "golden"
	SourceScored   = "scored"
)

// RouteDecision is the outcome of routing one query. It is produced
// per query and never persisted (golden-route entries persist a
// separate record).
type RouteDecision struct {
	// Primary is the collection searched first. Always set.
	Primary string `json:"primary"`

	// Domain is the registry domain behind Primary; empty for
	// override and golden routes.
	Domain string `json:"domain,omitempty"`

	// Confidence is in [0, 1]. Overrides and golden hits report 1.
	Confidence float64 `json:"confidence"`

	// Band is the classified confidence band.
	Band ConfidenceBand `json:"band"`

	// Fallbacks are searched after Primary, in order. Primary never
	// appears here.
	Fallbacks []string `json:"fallbacks,omitempty"`

	// MatchedKeywords are the registry keywords found in the query.
	MatchedKeywords []string `json:"matched_keywords,omitempty"`

	// Source records which stage produced the decision.
	Source string `json:"source"`

	// CachedAnswer carries a previously validated answer on a golden
	// hit, when one was recorded. Callers may serve it directly.
	CachedAnswer string `json:"-"`
}

// Collections returns the primary followed by the fallbacks.
func (d *RouteDecision) Collections() []string {
	out := make([]string, 0, 1+len(d.Fallbacks))
	out = append(out, d.Primary)
	out = append(out, d.Fallbacks...)
	return out
}

// Router resolves queries into collection routes.
type Router struct {
	registry     *config.DomainRegistry
	overrides    []Override
	golden       *GoldenCache
	maxFallbacks int
	modifierBump float64
	log          *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithOverrides replaces the default priority overrides.
func WithOverrides(overrides []Override) RouterOption {
	return func(r *Router) { r.overrides = overrides }
}

// WithGoldenCache attaches a golden-route cache. Without one, stage 2
// is skipped.
func WithGoldenCache(cache *GoldenCache) RouterOption {
	return func(r *Router) { r.golden = cache }
}

// WithMaxFallbacks caps the fallback count for low-confidence routes.
func WithMaxFallbacks(n int) RouterOption {
	return func(r *Router) {
		if n >= 0 {
			r.maxFallbacks = n
		}
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(log *slog.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRouter builds a Router over a validated domain registry.
func NewRouter(registry *config.DomainRegistry, opts ...RouterOption) (*Router, error) {
	if registry == nil || len(registry.Domains) == 0 {
		return nil, fmt.Errorf("router requires a non-empty domain registry")
	}
	r := &Router{
		registry:     registry,
		overrides:    DefaultOverrides(),
		maxFallbacks: 3,
		modifierBump: 0.25,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Registry returns the domain registry the router scores against.
// Callers must treat it as read-only.
func (r *Router) Registry() *config.DomainRegistry {
	return r.registry
}

// Route resolves a query to a collection route.
//
// Description:
//
//	Runs the three routing stages in order. Scoring walks every
//	domain, sums the weights of matched keywords plus a modifier
//	bump, and derives confidence from the top score, the gap to the
//	second-best domain, and term coverage. The confidence band sets
//	the fallback fan-out: high gets the primary only, medium adds
//	one fallback, low adds up to maxFallbacks.
//
// Inputs:
//
//	ctx - Context for tracing and golden-cache embedding.
//	query - The raw user query.
//
// Outputs:
//
//	*RouteDecision - Never nil on success; Primary is always set.
//	error - Non-nil only on internal failure; a cold cache or an
//	        unmatched query still routes (low band).
func (r *Router) Route(ctx context.Context, query string) (*RouteDecision, error) {
	ctx, span := tracer.Start(ctx, "routing.Route")
	defer span.End()

	if ov := matchOverride(r.overrides, query); ov != nil {
		observability.RouteDecisions.WithLabelValues(SourceOverride, string(BandHigh)).Inc()
		span.SetAttributes(
			attribute.String("route.source", SourceOverride),
			attribute.String("route.override", ov.Name),
		)
		r.log.Debug("priority override matched",
			slog.String("override", ov.Name),
			slog.String("collection", ov.Collection))
		return &RouteDecision{
			Primary:    ov.Collection,
			Confidence: 1,
			Band:       BandHigh,
			Source:     SourceOverride,
		}, nil
	}

	if r.golden != nil {
		if hit, err := r.golden.Lookup(ctx, query); err != nil {
			// A broken cache must not take routing down.
			r.log.Warn("golden route lookup failed", slog.String("error", err.Error()))
		} else if hit != nil {
			observability.RouteDecisions.WithLabelValues(SourceGolden, string(BandHigh)).Inc()
			span.SetAttributes(attribute.String("route.source", SourceGolden))
			return &RouteDecision{
				Primary:      hit.Collection,
				Confidence:   1,
				Band:         BandHigh,
				Fallbacks:    append([]string(nil), hit.Fallbacks...),
				Source:       SourceGolden,
				CachedAnswer: hit.Answer,
			}, nil
		}
	}

	decision := r.score(query)
	observability.RouteDecisions.WithLabelValues(SourceScored, string(decision.Band)).Inc()
	span.SetAttributes(
		attribute.String("route.source", SourceScored),
		attribute.String("route.primary", decision.Primary),
		attribute.Float64("route.confidence", decision.Confidence),
		attribute.Int("route.fallbacks", len(decision.Fallbacks)),
	)
	r.log.Debug("query routed",
		slog.String("primary", decision.Primary),
		slog.Float64("confidence", decision.Confidence),
		slog.String("band", string(decision.Band)))
	return decision, nil
}

type domainScore struct {
	domain  *config.Domain
	score   float64
	matched []string
}

func (r *Router) score(query string) *RouteDecision {
	terms := ExtractQueryTerms(query)
	termSet := make(map[string]bool, len(terms))
	for _, t := range terms {
		termSet[t] = true
	}
	lowered := " " + joinLower(query) + " "

	scores := make([]domainScore, 0, len(r.registry.Domains))
	for i := range r.registry.Domains {
		d := &r.registry.Domains[i]
		var s domainScore
		s.domain = d
		for term, weight := range d.Keywords {
			if termSet[term] || containsPhrase(lowered, term) {
				s.score += weight
				s.matched = append(s.matched, term)
			}
		}
		if s.score > 0 {
			for _, mod := range d.Modifiers {
				if termSet[mod] || containsPhrase(lowered, mod) {
					s.score += r.modifierBump
					break
				}
			}
		}
		scores = append(scores, s)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].domain.Priority > scores[j].domain.Priority
	})

	best := scores[0]
	var second float64
	if len(scores) > 1 {
		second = scores[1].score
	}

	confidence := routeConfidence(best.score, second, len(terms), len(best.matched))
	band := BandFor(confidence)

	sort.Strings(best.matched)
	decision := &RouteDecision{
		Primary:         best.domain.Collection,
		Domain:          best.domain.Name,
		Confidence:      confidence,
		Band:            band,
		MatchedKeywords: best.matched,
		Source:          SourceScored,
	}

	// High confidence trusts the primary alone; medium hedges with
	// one adjacent collection; low fans out to maxFallbacks.
	limit := 0
	switch band {
	case BandMedium:
		limit = 1
	case BandLow:
		limit = r.maxFallbacks
	}
	for _, fb := range best.domain.Fallbacks {
		if len(decision.Fallbacks) >= limit {
			break
		}
		if d := r.registry.Get(fb); d != nil && d.Collection != decision.Primary {
			decision.Fallbacks = append(decision.Fallbacks, d.Collection)
		}
	}
	return decision
}

// RecordGolden stores a validated route for future short-circuits.
// No-op without a configured cache.
func (r *Router) RecordGolden(ctx context.Context, query string, decision *RouteDecision, answer string) error {
	if r.golden == nil || decision == nil {
		return nil
	}
	return r.golden.Record(ctx, query, decision, answer)
}

// routeConfidence normalizes keyword scores into [0, 1]. Three
// signals: how strong the top score is, how far ahead of the runner-up
// it is, and what share of the query's terms it explains.
func routeConfidence(top, second float64, termCount, matchedCount int) float64 {
	if top <= 0 {
		return 0
	}
	strength := top / (top + 1)

	gap := 0.0
	if top > 0 {
		gap = (top - second) / top
		if gap < 0 {
			gap = 0
		}
	}

	coverage := 0.0
	if termCount > 0 {
		coverage = float64(matchedCount) / float64(termCount)
		if coverage > 1 {
			coverage = 1
		}
	}

	c := 0.5*strength + 0.3*gap + 0.2*coverage
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

func joinLower(q string) string {
	return strings.Join(ExtractQueryTerms(q), " ")
}

// containsPhrase matches multi-word keywords like "open enrollment"
// against the normalized query.
func containsPhrase(normalizedQuery, phrase string) bool {
	return phrase != "" && strings.Contains(normalizedQuery, " "+phrase+" ")
}
