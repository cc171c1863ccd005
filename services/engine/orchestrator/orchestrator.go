// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator is the single entry point for query
// processing: it resolves user context, applies short-circuits, runs
// routing, retrieval, the reasoning loop, and the response pipeline,
// and triggers the per-user memory write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAnswers/services/engine/agent"
	"github.com/AleutianAI/AleutianAnswers/services/engine/graph"
	"github.com/AleutianAI/AleutianAnswers/services/engine/memory"
	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
	"github.com/AleutianAI/AleutianAnswers/services/engine/routing"
	"github.com/AleutianAI/AleutianAnswers/services/engine/storage"
	"github.com/AleutianAI/AleutianAnswers/services/engine/tools"
	"github.com/AleutianAI/AleutianAnswers/services/llm"
)

var tracer = otel.Tracer("answers.engine.orchestrator")

// UnavailableAnswer is returned when every provider in the chain has
// failed. Provider-specific error text never reaches the user.
const UnavailableAnswer = "The answering service is temporarily unavailable. Please try again in a moment."

// injectionRefusal answers prompt-injection attempts.
const injectionRefusal = "I can't follow instructions embedded in queries. " +
	"Ask me a question about the knowledge base and I'll answer from its sources."

// Short-circuit detection. Greetings must be the whole message;
// "hello, what is our PTO policy" is a real query.
var (
	greetingPattern  = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|howdy|good\s+(morning|afternoon|evening))\s*[.!?]*\s*$`)
	identityPattern  = regexp.MustCompile(`(?i)\b(who|what)\s+(are|r)\s+you\b|\bwhat('?s| is)\s+your\s+name\b`)
	injectionPattern = regexp.MustCompile(`(?i)ignore\s+(all\s+|your\s+)?(previous|prior|above)\s+instructions|disregard\s+(your|the)\s+(system\s+)?prompt|reveal\s+(your|the)\s+system\s+prompt|you\s+are\s+now\s+(in\s+)?(developer|dan)\s+mode`)
)

// Result is the orchestrator's answer for one query.
type Result struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources,omitempty"`

	// EvidenceScore is nil for short-circuited and cached answers,
	// which never ran the reasoning loop.
	EvidenceScore *float64 `json:"evidence_score,omitempty"`

	// Decision is the evidence gate outcome, when one was made.
	Decision string `json:"decision,omitempty"`

	// RouteUsed names the route: a collection list, a short-circuit
	// kind, or "golden".
	RouteUsed string `json:"route_used"`

	// Conflicts documents cross-collection disagreements hit while
	// searching.
	Conflicts []routing.ConflictRecord `json:"conflicts,omitempty"`
}

// StreamEvent is one element of a StreamQuery sequence.
type StreamEvent struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Call *agent.ToolCall `json:"call,omitempty"`

	// Result is set on the final event only.
	Result *Result `json:"result,omitempty"`
}

// Config carries the orchestrator's tunables.
type Config struct {
	MaxSteps         int
	RetrievalTimeout time.Duration
	LookupTables     []string
}

// Orchestrator wires the engine together. Construct once at startup;
// safe for concurrent use.
type Orchestrator struct {
	router    *routing.Router
	retriever retrieval.Retriever
	gateway   agent.Generator
	memory    *memory.Manager
	graph     *graph.Store
	docs      *storage.DocStore
	alerts    Sink
	cfg       Config
	log       *slog.Logger
}

// New builds an Orchestrator. router, retriever, and gateway are
// required; memory, graph, docs, and alerts are optional and disable
// their features when nil.
func New(router *routing.Router, retriever retrieval.Retriever, gateway agent.Generator,
	mem *memory.Manager, graphStore *graph.Store, docs *storage.DocStore,
	alerts Sink, cfg Config, log *slog.Logger) (*Orchestrator, error) {

	if router == nil || retriever == nil || gateway == nil {
		return nil, fmt.Errorf("orchestrator requires router, retriever, and gateway")
	}
	if alerts == nil {
		alerts = &SlogSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 15 * time.Second
	}
	return &Orchestrator{
		router:    router,
		retriever: retriever,
		gateway:   gateway,
		memory:    mem,
		graph:     graphStore,
		docs:      docs,
		alerts:    alerts,
		cfg:       cfg,
		log:       log,
	}, nil
}

// ProcessQuery answers one query end to end.
//
// Description:
//
//	Loads the user profile first so personalization is never
//	skipped, then tries the conversational short-circuits, then
//	routes, searches, reasons, and runs the response pipeline. The
//	memory write happens asynchronously after the answer exists; it
//	never delays the response.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query, userID, sessionID string, history []llm.Message) (*Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ProcessQuery")
	defer span.End()
	start := time.Now()
	defer func() { observability.QueryDuration.Observe(time.Since(start).Seconds()) }()

	result, _, err := o.process(ctx, query, userID, sessionID, history, nil)
	return result, err
}

// StreamQuery answers one query as a lazy, finite event sequence.
//
// The returned channel is closed after the final (or error) event;
// the sequence is not restartable. The consumer paces the producer:
// events are sent synchronously.
func (o *Orchestrator) StreamQuery(ctx context.Context, query, userID, sessionID string, history []llm.Message) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		ctx, span := tracer.Start(ctx, "orchestrator.StreamQuery")
		defer span.End()

		emit := func(ev StreamEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		result, streamed, err := o.process(ctx, query, userID, sessionID, history, func(ev agent.Event) {
			// The loop's final carries the raw answer; the pipeline
			// runs after it, so only the orchestrator's final event
			// is authoritative.
			if ev.Kind == agent.EventFinal {
				return
			}
			emit(StreamEvent{Kind: string(ev.Kind), Text: ev.Text, Call: ev.Call})
		})
		if err != nil {
			emit(StreamEvent{Kind: string(agent.EventError), Text: UnavailableAnswer})
			return
		}
		if !streamed {
			// Short-circuit and cached answers skip the loop, so no
			// partial events were emitted.
			emit(StreamEvent{Kind: string(agent.EventPartialAnswer), Text: result.Answer})
		}
		emit(StreamEvent{Kind: string(agent.EventFinal), Text: result.Answer, Result: result})
	}()
	return out
}

// process is the shared core. onEvent is nil for the non-streaming
// path. The bool reports whether loop events were already emitted.
func (o *Orchestrator) process(ctx context.Context, query, userID, sessionID string, history []llm.Message, onEvent func(agent.Event)) (*Result, bool, error) {
	// Profile load precedes every short-circuit, greeting included.
	profile := o.loadProfile(ctx, userID)

	if result := o.shortCircuit(query, profile); result != nil {
		observability.QueriesTotal.WithLabelValues("short_circuit").Inc()
		return result, false, nil
	}

	route, err := o.router.Route(ctx, query)
	if err != nil {
		observability.QueriesTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("routing: %w", err)
	}

	if route.Source == routing.SourceGolden && route.CachedAnswer != "" {
		observability.QueriesTotal.WithLabelValues("answered").Inc()
		return &Result{
			Answer:    route.CachedAnswer,
			RouteUsed: "golden",
		}, false, nil
	}

	collections, conflicts := o.searchCollections(ctx, query, route)

	outcome, err := o.reason(ctx, query, collections, history, onEvent)
	if err != nil {
		var exhausted *llm.ChainExhaustedError
		if errors.As(err, &exhausted) {
			o.alerts.Send(ctx, "llm chain exhausted",
				"all providers failed for tier "+string(exhausted.Tier), "error",
				map[string]any{"attempted": exhausted.Attempted, "user_id": userID})
			observability.QueriesTotal.WithLabelValues("error").Inc()
			return &Result{
				Answer:    UnavailableAnswer,
				RouteUsed: strings.Join(collections, ","),
				Conflicts: conflicts,
			}, false, nil
		}
		observability.QueriesTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}

	answer, cited := runPipeline(outcome.Answer, outcome.Evidence, outcome.Sources)
	score := outcome.Evidence.Score
	result := &Result{
		Answer:        answer,
		Sources:       cited,
		EvidenceScore: &score,
		Decision:      string(outcome.Evidence.Decision),
		RouteUsed:     strings.Join(collections, ","),
		Conflicts:     conflicts,
	}

	if outcome.Abstained {
		observability.QueriesTotal.WithLabelValues("abstained").Inc()
	} else {
		observability.QueriesTotal.WithLabelValues("answered").Inc()
	}

	o.afterAnswer(query, userID, sessionID, route, outcome, answer)
	return result, true, nil
}

// shortCircuit handles pure greetings, identity questions, and
// prompt-injection attempts without touching the reasoning engine.
func (o *Orchestrator) shortCircuit(query string, profile *memory.Profile) *Result {
	switch {
	case greetingPattern.MatchString(query):
		greeting := "Hello! Ask me anything about the knowledge base."
		if profile != nil && profile.DisplayName != "" {
			greeting = fmt.Sprintf("Hello %s! Ask me anything about the knowledge base.", profile.DisplayName)
		}
		return &Result{Answer: greeting, RouteUsed: "short_circuit:greeting"}
	case injectionPattern.MatchString(query):
		o.log.Warn("prompt injection attempt", slog.String("query", truncateQuery(query)))
		return &Result{Answer: injectionRefusal, RouteUsed: "short_circuit:injection"}
	case identityPattern.MatchString(query):
		return &Result{
			Answer:    "I'm the answers assistant. I search the team's knowledge collections and answer with cited sources.",
			RouteUsed: "short_circuit:identity",
		}
	}
	return nil
}

// searchCollections pre-searches the routed collections, resolves
// cross-collection conflicts, and returns the surviving collection
// order for the reasoning tools.
func (o *Orchestrator) searchCollections(ctx context.Context, query string, route *routing.RouteDecision) ([]string, []routing.ConflictRecord) {
	ctx, span := tracer.Start(ctx, "orchestrator.searchCollections")
	defer span.End()

	all := route.Collections()
	if len(all) == 1 {
		return all, nil
	}

	var results []routing.CollectionResult
	for _, col := range all {
		searchCtx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
		resp, err := o.retriever.Search(searchCtx, query, col, 3, nil)
		cancel()
		if err != nil || len(resp.Results) == 0 {
			if err != nil {
				o.log.Warn("pre-search failed",
					slog.String("collection", col),
					slog.String("error", err.Error()))
			}
			continue
		}
		results = append(results, routing.CollectionResult{
			Collection:    col,
			Top:           resp.Results[0],
			EffectiveDate: routing.ParseEffectiveDate(resp.Results[0].Metadata),
		})
	}

	kept, conflicts := routing.ResolveConflicts(results, o.router.Registry(), o.log)
	if len(kept) == 0 {
		// Nothing pre-searched cleanly; let the loop try the full
		// route anyway.
		return all, conflicts
	}

	surviving := make(map[string]bool, len(kept))
	for _, r := range kept {
		surviving[r.Collection] = true
	}
	var out []string
	for _, col := range all {
		if surviving[col] {
			out = append(out, col)
		}
	}
	span.SetAttributes(attribute.Int("conflicts", len(conflicts)))
	return out, conflicts
}

// reason builds the per-route tool registry and runs the loop.
func (o *Orchestrator) reason(ctx context.Context, query string, collections []string, history []llm.Message, onEvent func(agent.Event)) (*agent.Outcome, error) {
	vs, err := tools.NewVectorSearch(o.retriever, collections, 5, o.cfg.RetrievalTimeout)
	if err != nil {
		return nil, err
	}
	toolset := []tools.Tool{vs}

	if o.docs != nil && len(o.cfg.LookupTables) > 0 {
		dl, err := tools.NewDatabaseLookup(o.docs, o.cfg.LookupTables)
		if err != nil {
			return nil, err
		}
		toolset = append(toolset, dl)
	}
	if o.graph != nil {
		gl, err := tools.NewGraphLookup(o.graph)
		if err != nil {
			return nil, err
		}
		toolset = append(toolset, gl)
	}

	reg, err := tools.NewRegistry(toolset...)
	if err != nil {
		return nil, err
	}
	eng, err := agent.NewEngine(o.gateway, reg,
		agent.WithMaxSteps(o.cfg.MaxSteps),
		agent.WithToolTimeout(o.cfg.RetrievalTimeout),
		agent.WithEngineLogger(o.log),
	)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, query, history, onEvent)
}

// afterAnswer runs the post-response work: the serialized memory
// write and golden-route promotion. Both are asynchronous and
// best-effort.
func (o *Orchestrator) afterAnswer(query, userID, sessionID string, route *routing.RouteDecision, outcome *agent.Outcome, answer string) {
	if o.memory != nil && userID != "" && !outcome.Abstained {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = o.memory.WriteMemory(ctx, userID, sessionID, query, answer)
		}()
	}

	// A scored route that produced a fully supported answer becomes a
	// canonical golden route.
	if route.Source == routing.SourceScored && outcome.Evidence.Decision == agent.DecisionProceed {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := o.router.RecordGolden(ctx, query, route, answer); err != nil {
				o.log.Warn("golden route promotion failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (o *Orchestrator) loadProfile(ctx context.Context, userID string) *memory.Profile {
	if o.memory == nil || userID == "" {
		return nil
	}
	profile, err := o.memory.LoadProfile(ctx, userID)
	if err != nil {
		o.log.Warn("profile load failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return nil
	}
	return profile
}

func truncateQuery(q string) string {
	if len(q) > 200 {
		return q[:200] + "…"
	}
	return q
}
