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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestResolveConflictsRecencyWins(t *testing.T) {
	results := []CollectionResult{
		{
			Collection:    "PricingDocs",
			Top:           retrieval.Result{Text: "standard visa application fee schedule updated pricing", Score: 0.8},
			EffectiveDate: date("2025-01-10"),
		},
		{
			Collection:    "LegalDocs",
			Top:           retrieval.Result{Text: "standard visa application fee schedule legacy pricing", Score: 0.95},
			EffectiveDate: date("2023-06-01"),
		},
	}

	kept, conflicts := ResolveConflicts(results, testRegistry(t), nil)

	require.Len(t, conflicts, 1)
	assert.Equal(t, ResolutionRecency, conflicts[0].Resolution)
	assert.Equal(t, "PricingDocs", conflicts[0].Winner)
	require.Len(t, kept, 1)
	// The newer record wins even against a higher score.
	assert.Equal(t, "PricingDocs", kept[0].Collection)
}

func TestResolveConflictsEqualDatesScoreWins(t *testing.T) {
	d := date("2025-03-01")
	results := []CollectionResult{
		{
			Collection:    "PricingDocs",
			Top:           retrieval.Result{Text: "visa renewal fee processing schedule", Score: 0.6},
			EffectiveDate: d,
		},
		{
			Collection:    "LegalDocs",
			Top:           retrieval.Result{Text: "visa renewal fee processing requirements", Score: 0.9},
			EffectiveDate: d,
		},
	}

	kept, conflicts := ResolveConflicts(results, testRegistry(t), nil)

	require.Len(t, conflicts, 1)
	assert.Equal(t, ResolutionScore, conflicts[0].Resolution)
	require.Len(t, kept, 1)
	assert.Equal(t, "LegalDocs", kept[0].Collection)
}

func TestResolveConflictsPriorityBreaksTies(t *testing.T) {
	// Same topic, contradictory numeric claims, no dates, equal
	// scores: only the static collection priority can decide.
	results := []CollectionResult{
		{
			Collection: "PricingDocs", // priority 2
			Top:        retrieval.Result{Text: "contract termination notice period is 30 days", Score: 0.8},
		},
		{
			Collection: "LegalDocs", // priority 3
			Top:        retrieval.Result{Text: "contract termination notice period is 60 days", Score: 0.8},
		},
	}

	kept, conflicts := ResolveConflicts(results, testRegistry(t), nil)

	require.Len(t, conflicts, 1)
	assert.Equal(t, ResolutionPriority, conflicts[0].Resolution)
	require.Len(t, kept, 1)
	assert.Equal(t, "LegalDocs", kept[0].Collection)
}

func TestResolveConflictsFullTieFlagged(t *testing.T) {
	// No registry: priorities unknown, so a full tie keeps both.
	results := []CollectionResult{
		{Collection: "A", Top: retrieval.Result{Text: "renewal fee is 100 dollars today", Score: 0.8}},
		{Collection: "B", Top: retrieval.Result{Text: "renewal fee is 200 dollars today", Score: 0.8}},
	}

	kept, conflicts := ResolveConflicts(results, nil, nil)

	require.Len(t, conflicts, 1)
	assert.Equal(t, ResolutionFlagged, conflicts[0].Resolution)
	assert.Empty(t, conflicts[0].Winner)
	assert.Len(t, kept, 2)
}

func TestResolveConflictsNonOverlappingUntouched(t *testing.T) {
	results := []CollectionResult{
		{Collection: "PricingDocs", Top: retrieval.Result{Text: "visa application fees and costs", Score: 0.9}},
		{Collection: "HRDocs", Top: retrieval.Result{Text: "vacation accrual schedule for new employees", Score: 0.4}},
	}

	kept, conflicts := ResolveConflicts(results, testRegistry(t), nil)

	assert.Empty(t, conflicts)
	require.Len(t, kept, 2)
	assert.Equal(t, "PricingDocs", kept[0].Collection)
	assert.Equal(t, "HRDocs", kept[1].Collection)
}

func TestResolveConflictsSingleResult(t *testing.T) {
	results := []CollectionResult{
		{Collection: "PricingDocs", Top: retrieval.Result{Text: "anything", Score: 0.5}},
	}
	kept, conflicts := ResolveConflicts(results, testRegistry(t), nil)
	assert.Empty(t, conflicts)
	assert.Equal(t, results, kept)
}

func TestParseEffectiveDate(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want time.Time
	}{
		{"rfc3339", map[string]any{"effectiveDate": "2025-01-10T00:00:00Z"}, date("2025-01-10")},
		{"plain date", map[string]any{"effectiveDate": "2025-01-10"}, date("2025-01-10")},
		{"missing", map[string]any{}, time.Time{}},
		{"garbage", map[string]any{"effectiveDate": "soon"}, time.Time{}},
		{"wrong type", map[string]any{"effectiveDate": 42}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, ParseEffectiveDate(tt.meta).Equal(tt.want))
		})
	}
}
