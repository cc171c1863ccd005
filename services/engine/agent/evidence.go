// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"sort"

	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
	"github.com/AleutianAI/AleutianAnswers/services/engine/routing"
)

// Evidence gate thresholds.
const (
	AbstainThreshold = 0.3
	WarnThreshold    = 0.6
)

// Evidence score component weights. Relevance of the retrieved
// sources dominates; keyword overlap and having more than one
// independent context item are secondary signals.
const (
	relevanceWeight = 0.6
	overlapWeight   = 0.25
	coverageWeight  = 0.15
)

// minContextQuality is the query-overlap floor below which a context
// string is treated as off-topic and excluded from coverage.
const minContextQuality = 0.05

// minIndependentContexts is the context count earning the full
// coverage bonus.
const minIndependentContexts = 2

// Decision is the evidence gate outcome for a candidate answer.
type Decision string

const (
	// DecisionAbstain rejects the draft; the engine answers with an
	// explicit insufficient-evidence response instead.
	DecisionAbstain Decision = "abstain"

	// DecisionWarn keeps the draft but injects an uncertainty caveat.
	DecisionWarn Decision = "warn"

	// DecisionProceed keeps the draft unchanged.
	DecisionProceed Decision = "proceed"
)

// AbstainAnswer replaces a draft the evidence cannot support.
const AbstainAnswer = "I don't have sufficient grounded evidence to answer that confidently. " +
	"The available sources don't cover this question well enough to be reliable."

// WarnCaveat is prepended to a weakly supported draft.
const WarnCaveat = "Note: the available evidence for this answer is limited, so please verify it independently.\n\n"

// EvidenceScore is the scored gate input for one candidate answer.
type EvidenceScore struct {
	// Score is the combined value in [0, 1].
	Score float64 `json:"score"`

	// Relevance, Overlap, and Coverage are the unweighted components,
	// each in [0, 1].
	Relevance float64 `json:"relevance"`
	Overlap   float64 `json:"overlap"`
	Coverage  float64 `json:"coverage"`

	// UsableContexts counts context strings passing the quality floor.
	UsableContexts int `json:"usable_contexts"`

	// Decision is the gate outcome for Score.
	Decision Decision `json:"decision"`
}

// ScoreEvidence computes the evidence score for a query given the
// retrieved sources and accumulated context strings.
//
// Description:
//
//	Relevance is the mean of the top three source scores. Overlap
//	is the keyword overlap between the query and all usable context
//	text. Coverage rewards having at least two independent usable
//	context items. Context strings are first screened by
//	ValidateContextQuality so near-empty or off-topic observations
//	never contribute, however confident the model's draft sounds.
//	The result is clamped to [0, 1] for any input, including empty
//	sources, empty contexts, and out-of-range relevance values.
func ScoreEvidence(query string, sources []retrieval.Result, contexts []string) EvidenceScore {
	qualities := ValidateContextQuality(query, contexts)

	var usable []string
	for i, c := range contexts {
		if qualities[i] >= minContextQuality {
			usable = append(usable, c)
		}
	}

	var ev EvidenceScore
	ev.Relevance = topRelevance(sources, 3)
	ev.Overlap = contextOverlap(query, usable)
	ev.UsableContexts = len(usable)

	if len(usable) >= minIndependentContexts {
		ev.Coverage = 1
	} else if len(usable) == 1 {
		ev.Coverage = 0.5
	}

	ev.Score = clamp01(relevanceWeight*ev.Relevance +
		overlapWeight*ev.Overlap +
		coverageWeight*ev.Coverage)
	ev.Decision = Evaluate(ev.Score)
	return ev
}

// Evaluate maps a score onto the gate policy.
func Evaluate(score float64) Decision {
	switch {
	case score < AbstainThreshold:
		return DecisionAbstain
	case score < WarnThreshold:
		return DecisionWarn
	default:
		return DecisionProceed
	}
}

// ValidateContextQuality scores each context string against the query
// by keyword overlap, in [0, 1], independent of the evidence score.
func ValidateContextQuality(query string, contexts []string) []float64 {
	queryTerms := routing.ExtractQueryTerms(query)
	out := make([]float64, len(contexts))
	for i, c := range contexts {
		out[i] = overlapFraction(queryTerms, routing.ExtractQueryTerms(c))
	}
	return out
}

// topRelevance averages the k highest source scores, clamping each to
// [0, 1] first so a misbehaving retriever cannot push the gate open.
func topRelevance(sources []retrieval.Result, k int) float64 {
	if len(sources) == 0 {
		return 0
	}
	scores := make([]float64, len(sources))
	for i, s := range sources {
		scores[i] = clamp01(s.Score)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if len(scores) > k {
		scores = scores[:k]
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// contextOverlap measures what share of the query's terms appear
// anywhere in the usable context.
func contextOverlap(query string, contexts []string) float64 {
	queryTerms := routing.ExtractQueryTerms(query)
	if len(queryTerms) == 0 || len(contexts) == 0 {
		return 0
	}
	combined := make(map[string]bool)
	for _, c := range contexts {
		for _, t := range routing.ExtractQueryTerms(c) {
			combined[t] = true
		}
	}
	hit := 0
	for _, t := range queryTerms {
		if combined[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(queryTerms))
}

// overlapFraction is the share of query terms present in the context
// terms.
func overlapFraction(queryTerms, contextTerms []string) float64 {
	if len(queryTerms) == 0 || len(contextTerms) == 0 {
		return 0
	}
	set := make(map[string]bool, len(contextTerms))
	for _, t := range contextTerms {
		set[t] = true
	}
	hit := 0
	for _, t := range queryTerms {
		if set[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(queryTerms))
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
