// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"log/slog"
	"regexp"
	"time"

	"github.com/AleutianAI/AleutianAnswers/services/engine/config"
	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

// Conflict detection tunables.
const (
	// conflictOverlapThreshold is the minimum term overlap between
	// two top results to consider them the same topic.
	conflictOverlapThreshold = 0.4

	// conflictScoreDelta is the score disagreement that makes two
	// same-topic results conflicting when dates are absent.
	conflictScoreDelta = 0.15

	// conflictDateDelta is the timestamp disagreement that makes two
	// same-topic results conflicting.
	conflictDateDelta = 24 * time.Hour
)

// Resolution labels how a conflict was settled.
type Resolution string

const (
	// ResolutionRecency kept the record with the newer effective date.
	ResolutionRecency Resolution = "recency"
	// ResolutionScore kept the record with the higher retrieval score.
	ResolutionScore Resolution = "score"
	// ResolutionPriority kept the record from the higher-priority
	// collection.
	ResolutionPriority Resolution = "priority"
	// ResolutionFlagged kept both records; no policy could decide.
	ResolutionFlagged Resolution = "flagged"
)

// ConflictRecord documents one cross-collection disagreement and its
// outcome. Produced per query, never persisted.
type ConflictRecord struct {
	CollectionA string     `json:"collection_a"`
	CollectionB string     `json:"collection_b"`
	Overlap     float64    `json:"overlap"`
	DateA       time.Time  `json:"date_a,omitempty"`
	DateB       time.Time  `json:"date_b,omitempty"`
	ScoreA      float64    `json:"score_a"`
	ScoreB      float64    `json:"score_b"`
	Winner      string     `json:"winner,omitempty"`
	Resolution  Resolution `json:"resolution"`
	DetectedAt  time.Time  `json:"detected_at"`
}

// CollectionResult pairs a collection with its top retrieval result.
type CollectionResult struct {
	Collection    string
	Top           retrieval.Result
	EffectiveDate time.Time
}

// ResolveConflicts checks every pair of collection results for
// same-topic disagreement and drops the losing record.
//
// Description:
//
//	Two results conflict when their top texts overlap topically and
//	either their effective dates disagree by more than a day or
//	their retrieval scores disagree materially. Resolution prefers
//	the more recent effective date, then the higher score, then the
//	registry's static collection priority. When all three tie the
//	pair is flagged and both records are kept. Non-conflicting
//	results pass through untouched, in their input order.
//
// Inputs:
//
//	results - Top result per searched collection.
//	registry - Domain registry, for static priorities. May be nil;
//	           priority resolution then always flags.
//	log - Logger for resolved conflicts. May be nil.
//
// Outputs:
//
//	[]CollectionResult - Surviving results, input order preserved.
//	[]ConflictRecord - One record per detected conflict.
func ResolveConflicts(results []CollectionResult, registry *config.DomainRegistry, log *slog.Logger) ([]CollectionResult, []ConflictRecord) {
	if log == nil {
		log = slog.Default()
	}
	if len(results) < 2 {
		return results, nil
	}

	terms := make([][]string, len(results))
	for i := range results {
		terms[i] = ExtractQueryTerms(results[i].Top.Text)
	}

	dropped := make([]bool, len(results))
	var records []ConflictRecord

	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if dropped[i] || dropped[j] {
				continue
			}
			a, b := &results[i], &results[j]

			overlap := Jaccard(terms[i], terms[j])
			if overlap < conflictOverlapThreshold {
				continue
			}
			if !disagrees(a, b) {
				continue
			}

			rec := ConflictRecord{
				CollectionA: a.Collection,
				CollectionB: b.Collection,
				Overlap:     overlap,
				DateA:       a.EffectiveDate,
				DateB:       b.EffectiveDate,
				ScoreA:      a.Top.Score,
				ScoreB:      b.Top.Score,
				DetectedAt:  time.Now().UTC(),
			}

			winner := resolvePair(a, b, registry, &rec)
			if rec.Resolution != ResolutionFlagged {
				if winner == a {
					dropped[j] = true
				} else {
					dropped[i] = true
				}
				rec.Winner = winner.Collection
			}
			records = append(records, rec)

			observability.RouteConflicts.WithLabelValues(string(rec.Resolution)).Inc()
			log.Info("cross-collection conflict",
				slog.String("collection_a", rec.CollectionA),
				slog.String("collection_b", rec.CollectionB),
				slog.String("resolution", string(rec.Resolution)),
				slog.String("winner", rec.Winner))
		}
	}

	kept := make([]CollectionResult, 0, len(results))
	for i := range results {
		if !dropped[i] {
			kept = append(kept, results[i])
		}
	}
	return kept, records
}

// disagrees reports whether two same-topic results materially
// disagree: effective dates more than a day apart, retrieval scores
// contradicting each other, or the texts stating different numeric
// values for the same topic.
func disagrees(a, b *CollectionResult) bool {
	if !a.EffectiveDate.IsZero() && !b.EffectiveDate.IsZero() {
		diff := a.EffectiveDate.Sub(b.EffectiveDate)
		if diff < 0 {
			diff = -diff
		}
		if diff > conflictDateDelta {
			return true
		}
	}
	delta := a.Top.Score - b.Top.Score
	if delta < 0 {
		delta = -delta
	}
	if delta > conflictScoreDelta {
		return true
	}
	return numbersDisagree(a.Top.Text, b.Top.Text)
}

var numberPattern = regexp.MustCompile(`\$?\d[\d,]*(?:\.\d+)?%?`)

// numbersDisagree reports whether both texts carry numeric claims and
// those claims are not identical.
func numbersDisagree(a, b string) bool {
	numsA := numberPattern.FindAllString(a, -1)
	numsB := numberPattern.FindAllString(b, -1)
	if len(numsA) == 0 || len(numsB) == 0 {
		return false
	}
	setA := make(map[string]bool, len(numsA))
	for _, n := range numsA {
		setA[n] = true
	}
	for _, n := range numsB {
		if !setA[n] {
			return true
		}
	}
	setB := make(map[string]bool, len(numsB))
	for _, n := range numsB {
		setB[n] = true
	}
	for _, n := range numsA {
		if !setB[n] {
			return true
		}
	}
	return false
}

func resolvePair(a, b *CollectionResult, registry *config.DomainRegistry, rec *ConflictRecord) *CollectionResult {
	// Recency first.
	if !a.EffectiveDate.IsZero() && !b.EffectiveDate.IsZero() && !a.EffectiveDate.Equal(b.EffectiveDate) {
		rec.Resolution = ResolutionRecency
		if a.EffectiveDate.After(b.EffectiveDate) {
			return a
		}
		return b
	}

	// Then score.
	if a.Top.Score != b.Top.Score {
		rec.Resolution = ResolutionScore
		if a.Top.Score > b.Top.Score {
			return a
		}
		return b
	}

	// Then static collection priority.
	pa, okA := collectionPriority(registry, a.Collection)
	pb, okB := collectionPriority(registry, b.Collection)
	if okA && okB && pa != pb {
		rec.Resolution = ResolutionPriority
		if pa > pb {
			return a
		}
		return b
	}

	rec.Resolution = ResolutionFlagged
	return a
}

func collectionPriority(registry *config.DomainRegistry, collection string) (int, bool) {
	if registry == nil {
		return 0, false
	}
	for i := range registry.Domains {
		if registry.Domains[i].Collection == collection {
			return registry.Domains[i].Priority, true
		}
	}
	return 0, false
}

// ParseEffectiveDate reads an effective date out of result metadata.
// Accepts RFC 3339 and plain dates; returns the zero time otherwise.
func ParseEffectiveDate(metadata map[string]any) time.Time {
	raw, ok := metadata["effectiveDate"].(string)
	if !ok || raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
