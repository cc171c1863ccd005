// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the multi-provider LLM gateway.
//
// The package defines one Provider contract implemented per backend
// (OpenAI, Anthropic, Ollama) and a Gateway that resolves a requested
// tier to an ordered fallback chain of (provider, model) candidates,
// skipping candidates whose circuit breaker is open.
package llm

import "context"

// Message is a single conversation turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams controls sampling for a single request.
//
// Nil pointer fields mean "use the provider default". Model is set by
// the Gateway from the fallback chain entry and should not be set by
// callers going through the Gateway.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`
}

// Response is a completed (non-streaming) generation.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// TokensUsed is the total token count reported by the provider,
	// or 0 when the backend does not report usage.
	TokensUsed int `json:"tokens_used"`

	// FinishReason is the provider's stop reason ("stop", "length", ...).
	FinishReason string `json:"finish_reason"`
}

// StreamChunk is one element of a streamed generation.
//
// Exactly one of Text or Err is meaningful. A chunk with a non-nil Err
// is always the final chunk on the channel.
type StreamChunk struct {
	Text string
	Err  error
}

// Provider is the contract implemented once per LLM backend.
//
// Description:
//
//	Providers are stateless adapters over a single hosted backend.
//	Availability, failover, and breaker decisions all live in the
//	Gateway; providers just translate requests and surface errors.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable provider identifier (e.g., "openai").
	Name() string

	// IsAvailable reports whether the backend is reachable and
	// configured. Used for startup diagnostics, not per-call gating.
	IsAvailable(ctx context.Context) bool

	// Generate performs a blocking completion.
	Generate(ctx context.Context, messages []Message, params GenerationParams) (*Response, error)

	// Stream starts a streamed completion. The returned channel is
	// closed when the stream ends; a trailing chunk with Err set
	// signals an abnormal end.
	Stream(ctx context.Context, messages []Message, params GenerationParams) (<-chan StreamChunk, error)
}
