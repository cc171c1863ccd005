// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the reasoning loop: ask the model for a thought
// and an action, execute the action through the tool registry, feed
// the observation back, and gate the final answer on evidence.
package agent

import (
	"time"

	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

// Phase is the loop's position within one step.
type Phase string

const (
	PhaseThinking  Phase = "thinking"
	PhaseActing    Phase = "acting"
	PhaseObserving Phase = "observing"
)

// ToolCall is one requested tool invocation.
type ToolCall struct {
	// Name is the tool identifier. Empty name fails validity.
	Name string `json:"name"`

	// Args is the argument mapping. A nil map fails validity; an
	// empty map is valid.
	Args map[string]any `json:"args"`

	// Result is the observation text on success.
	Result string `json:"result,omitempty"`

	// Error is the failure text when the call did not succeed.
	Error string `json:"error,omitempty"`

	// Success reports whether the tool ran and returned.
	Success bool `json:"success"`

	// Duration is the wall time of the invocation.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Valid reports whether the call may be dispatched. Checked before
// every dispatch; an invalid call becomes an error observation, never
// a registry hit.
func (tc *ToolCall) Valid() bool {
	return tc != nil && tc.Name != "" && tc.Args != nil
}

// Step is one completed loop iteration. Steps are append-only: once
// appended to the state they are never modified.
type Step struct {
	// Number is 1-based and strictly increasing.
	Number int `json:"number"`

	// Thought is the model's free-text reasoning for this step.
	Thought string `json:"thought,omitempty"`

	// Call is the tool invocation, when the step acted.
	Call *ToolCall `json:"call,omitempty"`

	// Observation is the text appended to the context after acting.
	Observation string `json:"observation,omitempty"`

	// IsFinal marks the step that produced the final answer.
	IsFinal bool `json:"is_final"`
}

// State is the accumulated reasoning state for one query.
type State struct {
	Query    string
	MaxSteps int

	steps        []Step
	sources      []retrieval.Result
	observations []string
	finalAnswer  string
}

// NewState builds an empty state.
func NewState(query string, maxSteps int) *State {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	return &State{Query: query, MaxSteps: maxSteps}
}

// CurrentStep returns the number of appended steps. The loop
// guarantees CurrentStep never exceeds MaxSteps.
func (s *State) CurrentStep() int { return len(s.steps) }

// Exhausted reports whether the step budget is spent.
func (s *State) Exhausted() bool { return len(s.steps) >= s.MaxSteps }

// Terminal reports whether a final answer has been recorded.
func (s *State) Terminal() bool { return s.finalAnswer != "" }

// AppendStep records a completed step. Panics if the budget is
// already spent; the loop checks Exhausted first, so this indicates a
// loop bug, not bad input.
func (s *State) AppendStep(step Step) {
	if s.Exhausted() {
		panic("agent: step appended past max_steps")
	}
	step.Number = len(s.steps) + 1
	s.steps = append(s.steps, step)
	if step.Observation != "" {
		s.observations = append(s.observations, step.Observation)
	}
}

// AddSources accumulates scored snippets for evidence computation.
func (s *State) AddSources(results []retrieval.Result) {
	s.sources = append(s.sources, results...)
}

// SetFinal records the final answer and marks the state terminal.
func (s *State) SetFinal(answer string) { s.finalAnswer = answer }

// Steps returns a copy of the recorded steps.
func (s *State) Steps() []Step { return append([]Step(nil), s.steps...) }

// Sources returns the accumulated scored snippets.
func (s *State) Sources() []retrieval.Result {
	return append([]retrieval.Result(nil), s.sources...)
}

// Observations returns the accumulated context strings.
func (s *State) Observations() []string {
	return append([]string(nil), s.observations...)
}

// FinalAnswer returns the recorded answer, empty until terminal.
func (s *State) FinalAnswer() string { return s.finalAnswer }
