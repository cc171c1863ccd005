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

import "regexp"

// Override short-circuits routing for a recognized query class. An
// override match bypasses scoring entirely and returns a fixed
// collection with full confidence and no fallbacks.
type Override struct {
	// Name identifies the override class in logs and RouteDecision.
	Name string

	// Pattern is matched case-insensitively against the raw query.
	Pattern *regexp.Regexp

	// Collection is the fixed destination for matching queries.
	Collection string
}

// DefaultOverrides covers the query classes that keyword scoring
// handles badly: questions about the assistant itself, team-roster
// lookups, and meta questions about system capabilities.
func DefaultOverrides() []Override {
	return []Override{
		{
			Name:       "identity",
			Pattern:    regexp.MustCompile(`(?i)\b(who|what)\s+(are|r)\s+you\b|\byour\s+name\b|\bare\s+you\s+(a\s+)?(bot|human|ai)\b`),
			Collection: "SystemMeta",
		},
		{
			Name:       "team_roster",
			Pattern:    regexp.MustCompile(`(?i)\bwho\s+(is\s+on|leads|manages|runs)\b.*\bteam\b|\bteam\s+roster\b|\breports?\s+to\b|\borg\s+chart\b`),
			Collection: "TeamDirectory",
		},
		{
			Name:       "capabilities",
			Pattern:    regexp.MustCompile(`(?i)\bwhat\s+can\s+you\s+do\b|\byour\s+capabilit|\bhow\s+do\s+you\s+work\b|\bwhat\s+(do\s+you|can\s+i\s+ask)\b.*\b(know|about)\b`),
			Collection: "SystemMeta",
		},
	}
}

// matchOverride returns the first matching override, or nil.
func matchOverride(overrides []Override, query string) *Override {
	for i := range overrides {
		if overrides[i].Pattern.MatchString(query) {
			return &overrides[i]
		}
	}
	return nil
}
