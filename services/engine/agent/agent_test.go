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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
	"github.com/AleutianAI/AleutianAnswers/services/engine/tools"
	"github.com/AleutianAI/AleutianAnswers/services/llm"
)

// scriptedGenerator returns canned responses in order.
type scriptedGenerator struct {
	responses []string
	err       error
	calls     int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ []llm.Message, _ llm.Tier, _ llm.GenerationParams) (*llm.Response, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if g.calls > len(g.responses) {
		return &llm.Response{Content: g.responses[len(g.responses)-1]}, nil
	}
	return &llm.Response{Content: g.responses[g.calls-1]}, nil
}

// countingTool records invocations and serves a fixed result.
type countingTool struct {
	invocations int
	result      *tools.Result
	err         error
}

func (t *countingTool) Name() string        { return "vector_search" }
func (t *countingTool) Kind() tools.Kind    { return tools.KindVectorSearch }
func (t *countingTool) Description() string { return "search the knowledge base" }

func (t *countingTool) Invoke(_ context.Context, _ map[string]any) (*tools.Result, error) {
	t.invocations++
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

func newTestEngine(t *testing.T, gen Generator, tool *countingTool, opts ...EngineOption) *Engine {
	t.Helper()
	reg, err := tools.NewRegistry(tool)
	require.NoError(t, err)
	e, err := NewEngine(gen, reg, opts...)
	require.NoError(t, err)
	return e
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		isFinal bool
	}{
		{
			name: "tool action",
			raw:  `{"thought": "need sources", "action": {"tool": "vector_search", "args": {"query": "pto"}}}`,
		},
		{
			name:    "final answer",
			raw:     `{"thought": "done", "final_answer": "PTO accrues monthly."}`,
			isFinal: true,
		},
		{
			name:    "fenced json",
			raw:     "```json\n{\"thought\": \"done\", \"final_answer\": \"ok\"}\n```",
			isFinal: true,
		},
		{
			name:    "both action and final",
			raw:     `{"thought": "x", "action": {"tool": "t", "args": {}}, "final_answer": "y"}`,
			wantErr: true,
		},
		{
			name:    "neither action nor final",
			raw:     `{"thought": "x"}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			raw:     `{"thought": "x", "final_answer": "y", "mood": "confident"}`,
			wantErr: true,
		},
		{
			name:    "trailing content",
			raw:     `{"thought": "x", "final_answer": "y"} and some prose`,
			wantErr: true,
		},
		{
			name:    "plain prose",
			raw:     `I think I should search for PTO policies first.`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act, err := ParseAction(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedAction)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.isFinal, act.IsFinal())
		})
	}
}

func TestToolCallValidity(t *testing.T) {
	assert.False(t, (&ToolCall{Name: "", Args: map[string]any{}}).Valid())
	assert.False(t, (&ToolCall{Name: "vector_search", Args: nil}).Valid())
	assert.True(t, (&ToolCall{Name: "vector_search", Args: map[string]any{}}).Valid())
	var nilCall *ToolCall
	assert.False(t, nilCall.Valid())
}

func TestScoreEvidenceBounds(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		sources  []retrieval.Result
		contexts []string
	}{
		{"all empty", "", nil, nil},
		{"empty sources", "pto policy", nil, []string{"pto accrues monthly"}},
		{"empty contexts", "pto policy", []retrieval.Result{{Score: 0.9}}, nil},
		{
			"extreme relevance values",
			"pto policy",
			[]retrieval.Result{{Score: 1000}, {Score: -42}, {Score: 0.5}},
			[]string{"pto policy details", "more pto policy details here"},
		},
		{"empty strings as context", "pto", []retrieval.Result{{Score: 0.5}}, []string{"", "", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ScoreEvidence(tt.query, tt.sources, tt.contexts)
			assert.GreaterOrEqual(t, ev.Score, 0.0)
			assert.LessOrEqual(t, ev.Score, 1.0)
			assert.GreaterOrEqual(t, ev.Relevance, 0.0)
			assert.LessOrEqual(t, ev.Relevance, 1.0)
		})
	}
}

func TestScoreEvidenceDecisions(t *testing.T) {
	// Strong sources plus on-topic context clears the proceed bar.
	ev := ScoreEvidence("pto accrual policy",
		[]retrieval.Result{{Score: 0.9}, {Score: 0.88}},
		[]string{"pto accrual policy says 1.5 days", "the accrual policy caps pto rollover"})
	assert.Equal(t, DecisionProceed, ev.Decision)

	// Nothing retrieved and off-topic context abstains.
	ev = ScoreEvidence("pto accrual policy", nil,
		[]string{"kubernetes deployment runbook"})
	assert.Equal(t, DecisionAbstain, ev.Decision)
	assert.Equal(t, 0, ev.UsableContexts)
}

func TestEvaluateBands(t *testing.T) {
	assert.Equal(t, DecisionAbstain, Evaluate(0.0))
	assert.Equal(t, DecisionAbstain, Evaluate(0.29))
	assert.Equal(t, DecisionWarn, Evaluate(0.3))
	assert.Equal(t, DecisionWarn, Evaluate(0.59))
	assert.Equal(t, DecisionProceed, Evaluate(0.6))
	assert.Equal(t, DecisionProceed, Evaluate(1.0))
}

func TestValidateContextQuality(t *testing.T) {
	scores := ValidateContextQuality("visa application cost",
		[]string{
			"the visa application cost is 160 dollars",
			"unrelated text about lunch menus",
			"",
		})
	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], 0.5)
	assert.Equal(t, 0.0, scores[1])
	assert.Equal(t, 0.0, scores[2])
}

func TestRunToolThenFinal(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"thought": "search first", "action": {"tool": "vector_search", "args": {"query": "pto accrual policy"}}}`,
		`{"thought": "enough evidence", "final_answer": "PTO accrues at 1.5 days per month."}`,
	}}
	tool := &countingTool{result: &tools.Result{
		Content: "pto accrual policy grants 1.5 days per month, accrual policy caps at 30",
		Sources: []retrieval.Result{{Text: "pto accrual policy", Score: 0.92}, {Text: "accrual caps", Score: 0.88}},
	}}
	e := newTestEngine(t, gen, tool)

	var events []Event
	outcome, err := e.Run(context.Background(), "pto accrual policy", nil, func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, tool.invocations)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, "PTO accrues at 1.5 days per month.", outcome.Answer)
	assert.False(t, outcome.Abstained)
	assert.Equal(t, DecisionProceed, outcome.Evidence.Decision)

	require.Len(t, outcome.Steps, 2)
	assert.False(t, outcome.Steps[0].IsFinal)
	assert.True(t, outcome.Steps[0].Call.Success)
	assert.True(t, outcome.Steps[1].IsFinal)

	// Final event comes last.
	require.NotEmpty(t, events)
	assert.Equal(t, EventFinal, events[len(events)-1].Kind)
}

// markingTool appends to a shared trace when invoked.
type markingTool struct {
	trace  *[]string
	result *tools.Result
}

func (t *markingTool) Name() string        { return "vector_search" }
func (t *markingTool) Kind() tools.Kind    { return tools.KindVectorSearch }
func (t *markingTool) Description() string { return "search the knowledge base" }

func (t *markingTool) Invoke(_ context.Context, _ map[string]any) (*tools.Result, error) {
	*t.trace = append(*t.trace, "invoke")
	return t.result, nil
}

func TestRunEmitsToolCallBeforeDispatch(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"thought": "search", "action": {"tool": "vector_search", "args": {"query": "pto"}}}`,
		`{"thought": "done", "final_answer": "PTO accrues monthly."}`,
	}}

	var trace []string
	tool := &markingTool{trace: &trace, result: &tools.Result{
		Content: "pto accrues at 1.5 days per month",
		Sources: []retrieval.Result{{Text: "pto accrual", Score: 0.9}},
	}}
	reg, err := tools.NewRegistry(tool)
	require.NoError(t, err)
	e, err := NewEngine(gen, reg)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), "pto", nil, func(ev Event) {
		trace = append(trace, "event:"+string(ev.Kind))
	})
	require.NoError(t, err)

	// A streaming consumer must learn about the call while the tool
	// is still running, not after it returned.
	callIdx, invokeIdx := -1, -1
	for i, step := range trace {
		switch step {
		case "event:tool_call":
			if callIdx < 0 {
				callIdx = i
			}
		case "invoke":
			invokeIdx = i
		}
	}
	require.GreaterOrEqual(t, callIdx, 0)
	require.GreaterOrEqual(t, invokeIdx, 0)
	assert.Less(t, callIdx, invokeIdx)
}

func TestRunInvalidToolCallNeverDispatched(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"thought": "hmm", "action": {"tool": "", "args": {"query": "x"}}}`,
		`{"thought": "no args", "action": {"tool": "vector_search"}}`,
		`{"thought": "giving up", "final_answer": "draft answer"}`,
	}}
	tool := &countingTool{result: &tools.Result{Content: "unused"}}
	e := newTestEngine(t, gen, tool)

	outcome, err := e.Run(context.Background(), "some question", nil, nil)
	require.NoError(t, err)

	// Neither malformed call reached the registry.
	assert.Equal(t, 0, tool.invocations)
	require.Len(t, outcome.Steps, 3)
	assert.NotEmpty(t, outcome.Steps[0].Call.Error)
	assert.NotEmpty(t, outcome.Steps[1].Call.Error)
	// With no evidence gathered, the draft is replaced by an abstain.
	assert.True(t, outcome.Abstained)
	assert.Equal(t, AbstainAnswer, outcome.Answer)
}

func TestRunMalformedOutputCostsAStep(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`definitely not json`,
		`{"thought": "ok", "final_answer": "draft"}`,
	}}
	tool := &countingTool{result: &tools.Result{Content: "unused"}}
	e := newTestEngine(t, gen, tool)

	outcome, err := e.Run(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
	require.Len(t, outcome.Steps, 2)
	assert.Contains(t, outcome.Steps[0].Observation, "not a valid action")
}

func TestRunExhaustionAbstains(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"thought": "keep searching", "action": {"tool": "vector_search", "args": {"query": "q"}}}`,
	}}
	tool := &countingTool{result: &tools.Result{Content: "no matching documents were found"}}
	e := newTestEngine(t, gen, tool, WithMaxSteps(2))

	outcome, err := e.Run(context.Background(), "obscure question nothing covers", nil, nil)
	require.NoError(t, err)

	// Two reasoning calls, no extra summary call on abstain.
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 2, tool.invocations)
	assert.True(t, outcome.Abstained)
	assert.Equal(t, AbstainAnswer, outcome.Answer)
	assert.Len(t, outcome.Steps, 2)
}

func TestRunExhaustionWarnSummarizes(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"thought": "searching", "action": {"tool": "vector_search", "args": {"query": "visa cost"}}}`,
		`{"thought": "searching again", "action": {"tool": "vector_search", "args": {"query": "visa cost"}}}`,
		`The standard visa costs 160 dollars.`,
	}}
	tool := &countingTool{result: &tools.Result{
		Content: "visa fees listing",
		Sources: []retrieval.Result{{Text: "visa fees listing", Score: 0.4}},
	}}
	e := newTestEngine(t, gen, tool, WithMaxSteps(2))

	outcome, err := e.Run(context.Background(), "visa cost", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, gen.calls)
	assert.Equal(t, DecisionWarn, outcome.Evidence.Decision)
	assert.True(t, strings.HasPrefix(outcome.Answer, WarnCaveat))
	assert.Contains(t, outcome.Answer, "160 dollars")
	assert.False(t, outcome.Abstained)
}

func TestRunGatewayErrorPropagates(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("chain exhausted")}
	tool := &countingTool{result: &tools.Result{Content: "unused"}}
	e := newTestEngine(t, gen, tool)

	var sawError bool
	_, err := e.Run(context.Background(), "q", nil, func(ev Event) {
		if ev.Kind == EventError {
			sawError = true
		}
	})
	require.Error(t, err)
	assert.True(t, sawError)
}

func TestToolFailureBecomesObservation(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"thought": "search", "action": {"tool": "vector_search", "args": {"query": "q"}}}`,
		`{"thought": "done", "final_answer": "draft"}`,
	}}
	tool := &countingTool{err: errors.New("backend down")}
	e := newTestEngine(t, gen, tool)

	outcome, err := e.Run(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	require.Len(t, outcome.Steps, 2)
	assert.False(t, outcome.Steps[0].Call.Success)
	assert.Contains(t, outcome.Steps[0].Observation, "backend down")
}
