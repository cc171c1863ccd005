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
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
)

// fakeProvider is a scriptable Provider for gateway tests.
type fakeProvider struct {
	name      string
	err       error
	content   string
	calls     int
	streamSeq []StreamChunk
}

func (f *fakeProvider) Name() string                            { return f.name }
func (f *fakeProvider) IsAvailable(ctx context.Context) bool    { return true }
func (f *fakeProvider) Generate(ctx context.Context, messages []Message, params GenerationParams) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Content: f.content, Model: params.Model, FinishReason: "stop"}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []Message, params GenerationParams) (<-chan StreamChunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan StreamChunk, len(f.streamSeq))
	for _, c := range f.streamSeq {
		out <- c
	}
	close(out)
	return out, nil
}

func testChains(entries ...ChainEntry) map[Tier][]ChainEntry {
	return map[Tier][]ChainEntry{TierPrimary: entries}
}

func TestNewGatewayRejectsUnknownProvider(t *testing.T) {
	_, err := NewGateway(GatewayConfig{
		Chains: testChains(ChainEntry{Provider: "missing", Model: "m"}),
	}, &fakeProvider{name: "real"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewGatewayRejectsEmptyChain(t *testing.T) {
	_, err := NewGateway(GatewayConfig{
		Chains: map[Tier][]ChainEntry{TierFast: {}},
	}, &fakeProvider{name: "real"})
	require.Error(t, err)
}

func TestGatewayChainKeepsPrimaryFirst(t *testing.T) {
	primary := ChainEntry{Provider: "a", Model: "primary-model"}
	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(primary, ChainEntry{Provider: "b", Model: "backup"}),
	}, &fakeProvider{name: "a"}, &fakeProvider{name: "b"})
	require.NoError(t, err)

	chain, err := gw.Chain(TierPrimary)
	require.NoError(t, err)
	assert.Equal(t, primary, chain[0], "requested candidate must be first in the chain")
}

func TestGatewayFallsBackOnFailure(t *testing.T) {
	failing := &fakeProvider{name: "a", err: errors.New("503 upstream")}
	healthy := &fakeProvider{name: "b", content: "hello"}

	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(
			ChainEntry{Provider: "a", Model: "m1"},
			ChainEntry{Provider: "b", Model: "m2"},
		),
	}, failing, healthy)
	require.NoError(t, err)

	resp, err := gw.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}, TierPrimary, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "m2", resp.Model)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.calls)
}

func TestGatewayChainExhaustion(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("timeout waiting for response")}
	b := &fakeProvider{name: "b", err: errors.New("429 rate limit exceeded")}

	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(
			ChainEntry{Provider: "a", Model: "m1"},
			ChainEntry{Provider: "b", Model: "m2"},
		),
	}, a, b)
	require.NoError(t, err)

	_, err = gw.Generate(context.Background(), nil, TierPrimary, GenerationParams{})
	require.Error(t, err)

	var exhausted *ChainExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, TierPrimary, exhausted.Tier)
	assert.Equal(t, 2, exhausted.Attempted)
	assert.Contains(t, exhausted.LastErr.Error(), "rate limit")
}

func TestGatewaySkipsOpenBreaker(t *testing.T) {
	flaky := &fakeProvider{name: "a", err: errors.New("boom")}
	healthy := &fakeProvider{name: "b", content: "ok"}

	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(
			ChainEntry{Provider: "a", Model: "m1"},
			ChainEntry{Provider: "b", Model: "m2"},
		),
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	}, flaky, healthy)
	require.NoError(t, err)

	// First call fails over and trips a's breaker.
	_, err = gw.Generate(context.Background(), nil, TierPrimary, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, flaky.calls)

	// Second call skips a entirely.
	_, err = gw.Generate(context.Background(), nil, TierPrimary, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, flaky.calls, "open breaker candidate must not be invoked")
	assert.Equal(t, 2, healthy.calls)
}

func TestGatewayCountsProviderCalls(t *testing.T) {
	flaky := &fakeProvider{name: "a", err: errors.New("boom")}
	healthy := &fakeProvider{name: "b", content: "ok"}

	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(
			ChainEntry{Provider: "a", Model: "count-m1"},
			ChainEntry{Provider: "b", Model: "count-m2"},
		),
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	}, flaky, healthy)
	require.NoError(t, err)

	// Counters are package-global, so assert deltas.
	errBefore := testutil.ToFloat64(observability.ProviderCalls.WithLabelValues("a", "count-m1", "error"))
	skipBefore := testutil.ToFloat64(observability.ProviderCalls.WithLabelValues("a", "count-m1", "skipped_open"))
	okBefore := testutil.ToFloat64(observability.ProviderCalls.WithLabelValues("b", "count-m2", "ok"))

	// First call: a fails and trips its breaker, b answers.
	_, err = gw.Generate(context.Background(), nil, TierPrimary, GenerationParams{})
	require.NoError(t, err)
	// Second call: a is skipped outright.
	_, err = gw.Generate(context.Background(), nil, TierPrimary, GenerationParams{})
	require.NoError(t, err)

	assert.Equal(t, errBefore+1,
		testutil.ToFloat64(observability.ProviderCalls.WithLabelValues("a", "count-m1", "error")))
	assert.Equal(t, skipBefore+1,
		testutil.ToFloat64(observability.ProviderCalls.WithLabelValues("a", "count-m1", "skipped_open")))
	assert.Equal(t, okBefore+2,
		testutil.ToFloat64(observability.ProviderCalls.WithLabelValues("b", "count-m2", "ok")))
}

func TestGatewayUnknownTier(t *testing.T) {
	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(ChainEntry{Provider: "a", Model: "m"}),
	}, &fakeProvider{name: "a", content: "x"})
	require.NoError(t, err)

	_, err = gw.Generate(context.Background(), nil, Tier("nope"), GenerationParams{})
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestGatewayStreamTruncationAfterFirstChunk(t *testing.T) {
	p := &fakeProvider{name: "a", streamSeq: []StreamChunk{
		{Text: "partial "},
		{Err: errors.New("connection reset")},
	}}
	backup := &fakeProvider{name: "b", streamSeq: []StreamChunk{{Text: "unused"}}}

	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(
			ChainEntry{Provider: "a", Model: "m1"},
			ChainEntry{Provider: "b", Model: "m2"},
		),
	}, p, backup)
	require.NoError(t, err)

	stream, err := gw.Stream(context.Background(), nil, TierPrimary, GenerationParams{})
	require.NoError(t, err)

	var texts []string
	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		texts = append(texts, chunk.Text)
	}

	assert.Equal(t, []string{"partial "}, texts)
	require.Error(t, streamErr)
	assert.ErrorIs(t, streamErr, ErrStreamTruncated)
	assert.Equal(t, 0, backup.calls, "mid-stream failure must not retry on the next candidate")
}

func TestGatewayStreamFallsBackBeforeFirstChunk(t *testing.T) {
	broken := &fakeProvider{name: "a", err: errors.New("cannot connect")}
	healthy := &fakeProvider{name: "b", streamSeq: []StreamChunk{{Text: "hi"}, {Text: " there"}}}

	gw, err := NewGateway(GatewayConfig{
		Chains: testChains(
			ChainEntry{Provider: "a", Model: "m1"},
			ChainEntry{Provider: "b", Model: "m2"},
		),
	}, broken, healthy)
	require.NoError(t, err)

	stream, err := gw.Stream(context.Background(), nil, TierPrimary, GenerationParams{})
	require.NoError(t, err)

	var got string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		got += chunk.Text
	}
	assert.Equal(t, "hi there", got)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"context deadline", context.DeadlineExceeded, FailureTimeout},
		{"timeout text", errors.New("request timeout"), FailureTimeout},
		{"auth", errors.New("401 unauthorized"), FailureAuth},
		{"rate limit", errors.New("429 too many requests: rate limit"), FailureRateLimit},
		{"malformed", errors.New("cannot unmarshal response"), FailureMalformed},
		{"empty response", ErrEmptyResponse, FailureMalformed},
		{"unknown", errors.New("something odd"), FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFailure(tt.err); got != tt.want {
				t.Errorf("ClassifyFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
