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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
	"github.com/AleutianAI/AleutianAnswers/services/engine/tools"
	"github.com/AleutianAI/AleutianAnswers/services/llm"
)

var tracer = otel.Tracer("answers.engine.agent")

// maxObservationChars caps a single observation fed back to the model.
const maxObservationChars = 4000

// Generator is the slice of the LLM gateway the loop needs.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, tier llm.Tier, params llm.GenerationParams) (*llm.Response, error)
}

// EventKind labels loop progress events for streaming consumers.
type EventKind string

const (
	EventThought       EventKind = "thought"
	EventToolCall      EventKind = "tool_call"
	EventPartialAnswer EventKind = "partial_answer"
	EventFinal         EventKind = "final"
	EventError         EventKind = "error"
)

// Event is one loop progress notification.
type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text,omitempty"`
	Call *ToolCall `json:"call,omitempty"`
}

// Outcome is the loop's result for one query.
type Outcome struct {
	Answer    string
	Evidence  EvidenceScore
	Steps     []Step
	Sources   []retrieval.Result
	Abstained bool
}

// Engine runs the reasoning loop.
//
// Thread Safety: Engine is stateless between runs; each Run builds a
// fresh State. One Engine serves arbitrarily many concurrent queries.
type Engine struct {
	gen         Generator
	registry    *tools.Registry
	tier        llm.Tier
	maxSteps    int
	toolTimeout time.Duration
	log         *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxSteps bounds the loop.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithTier selects the gateway tier for reasoning calls.
func WithTier(tier llm.Tier) EngineOption {
	return func(e *Engine) { e.tier = tier }
}

// WithToolTimeout bounds each tool invocation.
func WithToolTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.toolTimeout = d
		}
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine builds a reasoning engine over a generator and a tool
// registry.
func NewEngine(gen Generator, registry *tools.Registry, opts ...EngineOption) (*Engine, error) {
	if gen == nil {
		return nil, fmt.Errorf("engine requires a generator")
	}
	if registry == nil {
		return nil, fmt.Errorf("engine requires a tool registry")
	}
	e := &Engine{
		gen:         gen,
		registry:    registry,
		tier:        llm.TierPrimary,
		maxSteps:    8,
		toolTimeout: 15 * time.Second,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes the loop for one query.
//
// Description:
//
//	Alternates thinking (one gateway call), acting (one tool call),
//	and observing until the model emits a final answer or the step
//	budget runs out. Steps are strictly sequential: a step's tool
//	call completes and its observation is appended before the next
//	thought is requested. The final answer always passes the
//	evidence gate; an abstain decision discards the model's draft.
//
// Inputs:
//
//	ctx - Context; cancellation stops the loop between steps.
//	query - The user query.
//	history - Prior conversation turns, may be nil.
//	onEvent - Progress callback for streaming, may be nil. Called
//	          synchronously from the loop goroutine.
//
// Outputs:
//
//	*Outcome - The gated answer with evidence metadata.
//	error - Non-nil only when the gateway chain is exhausted or the
//	        context is cancelled; evidence insufficiency is an
//	        outcome, not an error.
func (e *Engine) Run(ctx context.Context, query string, history []llm.Message, onEvent func(Event)) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "agent.Run")
	defer span.End()

	state := NewState(query, e.maxSteps)
	msgs := e.seedMessages(query, history)

	for !state.Exhausted() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.gen.Generate(ctx, msgs, e.tier, llm.GenerationParams{})
		if err != nil {
			emit(onEvent, Event{Kind: EventError, Text: "reasoning temporarily unavailable"})
			return nil, fmt.Errorf("reasoning step %d: %w", state.CurrentStep()+1, err)
		}

		act, perr := ParseAction(resp.Content)
		if perr != nil {
			// Malformed output is information, not a crash: tell the
			// model and spend a step.
			obs := "Your previous response was not a valid action object. " +
				"Respond with exactly one JSON object containing \"thought\" and either \"action\" or \"final_answer\"."
			state.AppendStep(Step{Observation: obs})
			msgs = append(msgs,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: obs})
			e.log.Debug("malformed action", slog.String("error", perr.Error()))
			continue
		}

		if act.Thought != "" {
			emit(onEvent, Event{Kind: EventThought, Text: act.Thought})
		}

		if act.IsFinal() {
			outcome := e.finish(state, act.Thought, act.FinalAnswer)
			emit(onEvent, Event{Kind: EventPartialAnswer, Text: outcome.Answer})
			emit(onEvent, Event{Kind: EventFinal, Text: outcome.Answer})
			span.SetAttributes(
				attribute.Int("agent.steps", state.CurrentStep()),
				attribute.Float64("agent.evidence", outcome.Evidence.Score),
				attribute.String("agent.decision", string(outcome.Evidence.Decision)),
			)
			return outcome, nil
		}

		call := act.Call
		// Announce the call before dispatching it, so streaming
		// consumers see the action while the tool runs.
		emit(onEvent, Event{Kind: EventToolCall, Call: call})
		observation := e.act(ctx, state, call)

		state.AppendStep(Step{Thought: act.Thought, Call: call, Observation: observation})
		msgs = append(msgs,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: "Observation: " + observation})
	}

	// Step budget spent without a final answer.
	outcome, err := e.finishExhausted(ctx, state, msgs)
	if err != nil {
		emit(onEvent, Event{Kind: EventError, Text: "reasoning temporarily unavailable"})
		return nil, err
	}
	emit(onEvent, Event{Kind: EventFinal, Text: outcome.Answer})
	return outcome, nil
}

// act validates and executes one tool call, returning the observation
// text. Invalid calls are never dispatched.
func (e *Engine) act(ctx context.Context, state *State, call *ToolCall) string {
	if !call.Valid() {
		call.Error = "invalid tool call: name and argument mapping are required"
		return "Invalid tool call: every action needs a tool name and an args object (which may be empty)."
	}

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		call.Error = err.Error()
		return fmt.Sprintf("Unknown tool %q. Available tools:\n%s", call.Name, e.registry.Describe())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Invoke(callCtx, call.Args)
	call.Duration = time.Since(start)

	if err != nil {
		call.Error = err.Error()
		e.log.Debug("tool call failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()))
		return fmt.Sprintf("Tool %s failed: %v", call.Name, err)
	}

	call.Success = true
	call.Result = truncate(result.Content, maxObservationChars)
	state.AddSources(result.Sources)
	return call.Result
}

// finish gates a model-provided final answer.
func (e *Engine) finish(state *State, thought, draft string) *Outcome {
	ev := ScoreEvidence(state.Query, state.Sources(), state.Observations())
	answer, abstained := applyGate(ev, draft)

	state.AppendStep(Step{Thought: thought, IsFinal: true})
	state.SetFinal(answer)

	observability.AgentSteps.Observe(float64(state.CurrentStep()))
	observability.EvidenceScore.Observe(ev.Score)
	observability.EvidenceGateDecisions.WithLabelValues(string(ev.Decision)).Inc()

	return &Outcome{
		Answer:    answer,
		Evidence:  ev,
		Steps:     state.Steps(),
		Sources:   state.Sources(),
		Abstained: abstained,
	}
}

// finishExhausted handles a spent step budget: abstain outright when
// the evidence cannot support any answer, otherwise ask for one
// direct summary of the observations.
func (e *Engine) finishExhausted(ctx context.Context, state *State, msgs []llm.Message) (*Outcome, error) {
	ev := ScoreEvidence(state.Query, state.Sources(), state.Observations())

	observability.AgentSteps.Observe(float64(state.CurrentStep()))
	observability.EvidenceScore.Observe(ev.Score)
	observability.EvidenceGateDecisions.WithLabelValues(string(ev.Decision)).Inc()

	outcome := &Outcome{
		Evidence: ev,
		Steps:    state.Steps(),
		Sources:  state.Sources(),
	}

	if ev.Decision == DecisionAbstain {
		outcome.Answer = AbstainAnswer
		outcome.Abstained = true
		state.SetFinal(outcome.Answer)
		return outcome, nil
	}

	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: "You are out of tool calls. Answer the original question directly, in plain text, using only the observations above.",
	})
	resp, err := e.gen.Generate(ctx, msgs, e.tier, llm.GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("final summary: %w", err)
	}

	answer, abstained := applyGate(ev, strings.TrimSpace(resp.Content))
	outcome.Answer = answer
	outcome.Abstained = abstained
	state.SetFinal(answer)
	return outcome, nil
}

// applyGate applies the abstain/warn/proceed policy to a draft.
func applyGate(ev EvidenceScore, draft string) (string, bool) {
	switch ev.Decision {
	case DecisionAbstain:
		return AbstainAnswer, true
	case DecisionWarn:
		return WarnCaveat + draft, false
	default:
		return draft, false
	}
}

func (e *Engine) seedMessages(query string, history []llm.Message) []llm.Message {
	system := fmt.Sprintf(`You answer questions using the tools below. Work step by step.

Tools:
%s
Respond with exactly one JSON object per turn, nothing else:
  {"thought": "...", "action": {"tool": "tool_name", "args": {...}}}
or, when you have enough evidence:
  {"thought": "...", "final_answer": "..."}

Only state facts supported by tool observations.`, e.registry.Describe())

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: query})
	return msgs
}

func emit(onEvent func(Event), ev Event) {
	if onEvent != nil {
		onEvent(ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
