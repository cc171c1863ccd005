// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus collectors for the
// answers engine. Collectors are registered once via promauto at
// package init and shared across components.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "answers"

var (
	// QueriesTotal counts processed queries by outcome
	// (answered, abstained, short_circuit, error).
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "Queries processed, labeled by outcome.",
	}, []string{"outcome"})

	// QueryDuration observes end-to-end query latency.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "End-to-end query processing latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// RouteDecisions counts routing outcomes by source and band.
	RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "route_decisions_total",
		Help:      "Routing decisions by source (override/golden/scored) and confidence band.",
	}, []string{"source", "band"})

	// GoldenRouteHits counts golden cache lookups by result.
	GoldenRouteHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "golden_route_lookups_total",
		Help:      "Golden route cache lookups by result (hit/miss/error).",
	}, []string{"result"})

	// RouteConflicts counts cross-collection conflicts by resolution.
	RouteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "route_conflicts_total",
		Help:      "Cross-collection result conflicts by resolution (recency/score/priority/flagged).",
	}, []string{"resolution"})

	// ProviderCalls counts gateway provider calls by provider, model,
	// and status (ok/error/skipped_open).
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "LLM provider calls by provider, model, and status.",
	}, []string{"provider", "model", "status"})

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by key and new state.",
	}, []string{"key", "state"})

	// AgentSteps observes reasoning loop length per query.
	AgentSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_steps",
		Help:      "Reasoning steps taken per query.",
		Buckets:   prometheus.LinearBuckets(1, 1, 12),
	})

	// EvidenceScore observes the evidence score of answered queries.
	EvidenceScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evidence_score",
		Help:      "Evidence score distribution for generated answers.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	// EvidenceGateDecisions counts gate outcomes (proceed/warn/abstain).
	EvidenceGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evidence_gate_decisions_total",
		Help:      "Evidence gate outcomes for candidate answers.",
	}, []string{"decision"})

	// GraphExtractions counts knowledge-graph extraction runs by path
	// (llm/regex) and status.
	GraphExtractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_extractions_total",
		Help:      "Knowledge graph extraction runs by path and status.",
	}, []string{"path", "status"})

	// MemoryWrites counts per-user memory persistence attempts.
	MemoryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "memory_writes_total",
		Help:      "Per-user memory writes by status (ok/skipped_lock/error).",
	}, []string{"status"})
)
