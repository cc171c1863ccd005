// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
)

var tracer = otel.Tracer("answers.llm.gateway")

// Tier names a class of generation workload. Each tier resolves to an
// ordered fallback chain of (provider, model) candidates.
type Tier string

const (
	// TierFast is for latency-sensitive calls (routing, classification).
	TierFast Tier = "fast"

	// TierPrimary is the default reasoning tier.
	TierPrimary Tier = "primary"

	// TierBudget trades quality for cost (summaries, memory extraction).
	TierBudget Tier = "budget"

	// TierSpecialized is for extraction workloads with strict output
	// shape requirements (knowledge graph building).
	TierSpecialized Tier = "specialized"
)

// ChainEntry is one (provider, model) candidate in a fallback chain.
type ChainEntry struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// Key returns the breaker identity for this entry.
func (e ChainEntry) Key() string { return e.Provider + "/" + e.Model }

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Chains maps each tier to its ordered fallback chain. The primary
	// candidate is always first. Required.
	Chains map[Tier][]ChainEntry

	// Breaker is the default breaker configuration for all candidates.
	Breaker BreakerConfig

	// CallTimeout bounds each individual provider call. A timeout is
	// recorded as a breaker failure. Default: 60s.
	CallTimeout time.Duration
}

// Gateway presents one generate/stream contract over several providers.
//
// Description:
//
//	For each call the gateway resolves the tier to its fallback chain
//	and walks it in order: candidates with an open breaker are skipped,
//	the rest are invoked until one succeeds. Failures are recorded on
//	the candidate's breaker and the walk continues. If the chain is
//	exhausted the call fails with a ChainExhaustedError naming the last
//	failure.
//
//	Streaming uses the same ordered walk to start the stream, but a
//	failure after the first emitted chunk is surfaced to the caller as
//	ErrStreamTruncated rather than retried, to avoid duplicating
//	partial output.
//
// Thread Safety: Gateway is safe for concurrent use.
type Gateway struct {
	providers   map[string]Provider
	chains      map[Tier][]ChainEntry
	breakers    *BreakerRegistry
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewGateway creates a gateway over the given providers.
//
// Description:
//
//	Validates at construction time that every chain entry references a
//	registered provider and that every chain is non-empty, so that a
//	misconfigured chain is a startup error rather than a runtime
//	surprise.
//
// Inputs:
//
//	cfg - Gateway configuration. Chains must be non-empty.
//	providers - All available providers, keyed by Provider.Name().
//
// Outputs:
//
//	*Gateway - The configured gateway.
//	error - Non-nil if a chain is empty or references an unknown provider.
func NewGateway(cfg GatewayConfig, providers ...Provider) (*Gateway, error) {
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("gateway: no fallback chains configured")
	}

	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	for tier, chain := range cfg.Chains {
		if len(chain) == 0 {
			return nil, fmt.Errorf("gateway: tier %q has an empty chain", tier)
		}
		for _, entry := range chain {
			if _, ok := byName[entry.Provider]; !ok {
				return nil, fmt.Errorf("gateway: tier %q: %w: %s", tier, ErrUnknownProvider, entry.Provider)
			}
		}
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Gateway{
		providers:   byName,
		chains:      cfg.Chains,
		breakers:    NewBreakerRegistry(cfg.Breaker),
		callTimeout: timeout,
		logger:      slog.Default(),
	}, nil
}

// Chain returns the fallback chain for a tier. The returned slice is a
// copy; the primary candidate is always element 0.
func (g *Gateway) Chain(tier Tier) ([]ChainEntry, error) {
	chain, ok := g.chains[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	out := make([]ChainEntry, len(chain))
	copy(out, chain)
	return out, nil
}

// Breakers exposes the breaker registry for diagnostics endpoints.
func (g *Gateway) Breakers() *BreakerRegistry { return g.breakers }

// Generate performs a completion with tiered failover.
//
// Inputs:
//
//	ctx - Context for cancellation; each candidate call additionally
//	      carries the gateway's per-call timeout.
//	messages - Conversation to complete.
//	tier - Workload tier selecting the fallback chain.
//	params - Sampling parameters. Model is overwritten per candidate.
//
// Outputs:
//
//	*Response - The first successful completion.
//	error - ErrUnknownTier, or *ChainExhaustedError once every
//	        candidate has been skipped or has failed.
func (g *Gateway) Generate(ctx context.Context, messages []Message, tier Tier, params GenerationParams) (*Response, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.tier", string(tier)))

	chain, ok := g.chains[tier]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTier, tier)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var lastErr error
	attempted, skipped := 0, 0

	for _, entry := range chain {
		breaker := g.breakers.Get(entry.Key())
		if breaker.IsOpen() {
			skipped++
			observability.ProviderCalls.WithLabelValues(entry.Provider, entry.Model, "skipped_open").Inc()
			g.logger.Debug("Skipping candidate with open breaker",
				slog.String("candidate", entry.Key()),
				slog.String("tier", string(tier)),
			)
			continue
		}

		attempted++
		resp, err := g.invoke(ctx, entry, messages, params)
		if err != nil {
			breaker.RecordFailure()
			observability.ProviderCalls.WithLabelValues(entry.Provider, entry.Model, "error").Inc()
			lastErr = err
			g.logger.Warn("Gateway candidate failed",
				slog.String("candidate", entry.Key()),
				slog.String("tier", string(tier)),
				slog.String("kind", string(ClassifyFailure(err))),
				slog.String("error", err.Error()),
			)
			continue
		}

		breaker.RecordSuccess()
		observability.ProviderCalls.WithLabelValues(entry.Provider, entry.Model, "ok").Inc()
		span.SetAttributes(attribute.String("llm.model", resp.Model))
		return resp, nil
	}

	exhausted := &ChainExhaustedError{Tier: tier, Attempted: attempted, Skipped: skipped, LastErr: lastErr}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, exhausted.Error())
	g.logger.Error("Gateway chain exhausted",
		slog.String("tier", string(tier)),
		slog.Int("attempted", attempted),
		slog.Int("skipped", skipped),
	)
	return nil, exhausted
}

// invoke calls a single candidate with the per-call timeout applied.
func (g *Gateway) invoke(ctx context.Context, entry ChainEntry, messages []Message, params GenerationParams) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	params.Model = entry.Model
	resp, err := g.providers[entry.Provider].Generate(callCtx, messages, params)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Content == "" {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

// Stream performs a streamed completion with tiered failover.
//
// Description:
//
//	Candidates are tried in chain order until one successfully yields
//	its first chunk; failures before the first chunk count as breaker
//	failures and the next candidate is tried. Once a chunk has been
//	forwarded to the caller the stream is committed: a subsequent
//	provider failure is forwarded as a chunk wrapping ErrStreamTruncated
//	and the stream ends.
//
// Outputs:
//
//	<-chan StreamChunk - Closed when the stream ends. A trailing chunk
//	    with Err set signals an abnormal end.
//	error - Non-nil only when no candidate could start a stream.
func (g *Gateway) Stream(ctx context.Context, messages []Message, tier Tier, params GenerationParams) (<-chan StreamChunk, error) {
	chain, ok := g.chains[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	var lastErr error
	attempted, skipped := 0, 0

	for _, entry := range chain {
		breaker := g.breakers.Get(entry.Key())
		if breaker.IsOpen() {
			skipped++
			observability.ProviderCalls.WithLabelValues(entry.Provider, entry.Model, "skipped_open").Inc()
			continue
		}

		attempted++
		params.Model = entry.Model
		upstream, err := g.providers[entry.Provider].Stream(ctx, messages, params)
		if err != nil {
			breaker.RecordFailure()
			observability.ProviderCalls.WithLabelValues(entry.Provider, entry.Model, "error").Inc()
			lastErr = err
			continue
		}

		out := make(chan StreamChunk)
		go g.pump(entry, breaker, upstream, out)
		return out, nil
	}

	return nil, &ChainExhaustedError{Tier: tier, Attempted: attempted, Skipped: skipped, LastErr: lastErr}
}

// pump forwards provider chunks to the caller, enforcing the
// no-retry-after-first-chunk rule.
func (g *Gateway) pump(entry ChainEntry, breaker *CircuitBreaker, upstream <-chan StreamChunk, out chan<- StreamChunk) {
	defer close(out)

	emitted := false
	for chunk := range upstream {
		if chunk.Err != nil {
			breaker.RecordFailure()
			observability.ProviderCalls.WithLabelValues(entry.Provider, entry.Model, "error").Inc()
			if emitted {
				out <- StreamChunk{Err: fmt.Errorf("%w (candidate %s): %v", ErrStreamTruncated, entry.Key(), chunk.Err)}
			} else {
				// Failed before producing anything; surface the raw
				// error so the caller can decide to re-issue the call.
				out <- chunk
			}
			return
		}
		out <- chunk
		emitted = true
	}
	breaker.RecordSuccess()
	observability.ProviderCalls.WithLabelValues(entry.Provider, entry.Model, "ok").Inc()
}
