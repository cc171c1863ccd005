// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianAnswers/services/engine/agent"
	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

// maxAnswerChars bounds the final answer; anything longer is cut at a
// sentence boundary.
const maxAnswerChars = 8000

// Source is one cited snippet in a Result.
type Source struct {
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Collection string  `json:"collection,omitempty"`
	ChunkID    string  `json:"chunk_id,omitempty"`
}

var (
	leadingLabelPattern = regexp.MustCompile(`(?i)^\s*(final answer|answer|response)\s*:\s*`)
	blankRunPattern     = regexp.MustCompile(`\n{3,}`)
	brokenCitePattern   = regexp.MustCompile(`\[\s*(\d+)\s*\]`)
)

// runPipeline runs the response pipeline on a gated answer:
// verification, post-processing, citation normalization, and a final
// format pass, in that order.
func runPipeline(answer string, evidence agent.EvidenceScore, sources []retrieval.Result) (string, []Source) {
	answer = verify(answer, evidence)
	answer = postprocess(answer)
	answer, cited := normalizeCitations(answer, sources, evidence)
	return format(answer), cited
}

// verify checks length and groundedness guardrails. An empty draft
// after gating means something upstream misbehaved; answer with the
// abstain text rather than an empty body.
func verify(answer string, evidence agent.EvidenceScore) string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return agent.AbstainAnswer
	}
	if len(answer) > maxAnswerChars {
		cut := answer[:maxAnswerChars]
		if i := strings.LastIndexAny(cut, ".!?"); i > maxAnswerChars/2 {
			cut = cut[:i+1]
		}
		answer = cut
	}
	return answer
}

// postprocess strips model formatting artifacts: leading
// "Answer:"-style labels, stray code fences, and blank-line runs.
func postprocess(answer string) string {
	answer = leadingLabelPattern.ReplaceAllString(answer, "")
	answer = strings.TrimPrefix(answer, "```")
	answer = strings.TrimSuffix(answer, "```")
	answer = blankRunPattern.ReplaceAllString(answer, "\n\n")
	return strings.TrimSpace(answer)
}

// normalizeCitations renumbers bracket citations to match the source
// list and drops references past it. Abstained answers cite nothing.
func normalizeCitations(answer string, sources []retrieval.Result, evidence agent.EvidenceScore) (string, []Source) {
	if evidence.Decision == agent.DecisionAbstain || len(sources) == 0 {
		return brokenCitePattern.ReplaceAllString(answer, ""), nil
	}

	cited := make([]Source, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if s.Text == "" || seen[s.Text] {
			continue
		}
		seen[s.Text] = true
		src := Source{Text: s.Text, Score: s.Score}
		if c, ok := s.Metadata["source"].(string); ok {
			src.Collection = c
		}
		if id, ok := s.Metadata["chunkId"].(string); ok {
			src.ChunkID = id
		}
		cited = append(cited, src)
	}

	answer = brokenCitePattern.ReplaceAllStringFunc(answer, func(m string) string {
		groups := brokenCitePattern.FindStringSubmatch(m)
		n := 0
		fmt.Sscanf(groups[1], "%d", &n)
		if n < 1 || n > len(cited) {
			return ""
		}
		return fmt.Sprintf("[%d]", n)
	})
	return answer, cited
}

// format is the final whitespace pass.
func format(answer string) string {
	lines := strings.Split(answer, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
