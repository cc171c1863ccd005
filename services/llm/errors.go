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
	"fmt"
	"strings"
)

// Sentinel errors for the gateway.
var (
	// ErrUnknownTier indicates the requested tier has no fallback chain.
	ErrUnknownTier = errors.New("unknown gateway tier")

	// ErrUnknownProvider indicates a chain entry references a provider
	// that was never registered.
	ErrUnknownProvider = errors.New("unknown provider in fallback chain")

	// ErrEmptyResponse indicates a provider returned a syntactically
	// valid but empty completion.
	ErrEmptyResponse = errors.New("provider returned empty response")

	// ErrStreamTruncated indicates a stream failed after the first
	// emitted chunk. The gateway never retries mid-stream because the
	// consumer has already seen partial output.
	ErrStreamTruncated = errors.New("stream truncated after partial output")
)

// FailureKind classifies a provider failure for logging and alerting.
// Every kind is treated identically by the circuit breaker.
type FailureKind string

const (
	// FailureTimeout covers context deadline and transport timeouts.
	FailureTimeout FailureKind = "timeout"

	// FailureAuth covers invalid or missing credentials.
	FailureAuth FailureKind = "auth"

	// FailureRateLimit covers provider-side throttling.
	FailureRateLimit FailureKind = "rate_limit"

	// FailureMalformed covers unparseable or empty responses.
	FailureMalformed FailureKind = "malformed"

	// FailureUnknown covers everything else.
	FailureUnknown FailureKind = "unknown"
)

// ClassifyFailure maps a provider error to a FailureKind.
//
// Description:
//
//	Providers wrap heterogeneous SDK and transport errors; this keeps
//	the classification heuristics in one place. Matching is best-effort
//	string inspection beyond the context sentinels, which is all the
//	upstream SDKs give us uniformly.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, ErrEmptyResponse) {
		return FailureMalformed
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return FailureTimeout
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key"):
		return FailureAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota"):
		return FailureRateLimit
	case strings.Contains(msg, "unmarshal") || strings.Contains(msg, "parse") ||
		strings.Contains(msg, "malformed"):
		return FailureMalformed
	default:
		return FailureUnknown
	}
}

// ChainExhaustedError is returned when every candidate in a tier's
// fallback chain has been skipped or has failed.
type ChainExhaustedError struct {
	// Tier is the requested tier.
	Tier Tier

	// Attempted is the number of candidates actually invoked
	// (open-breaker skips are not counted).
	Attempted int

	// Skipped is the number of candidates skipped due to open breakers.
	Skipped int

	// LastErr is the failure from the final attempted candidate, or
	// nil when every candidate was skipped.
	LastErr error
}

// Error implements the error interface.
func (e *ChainExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("gateway tier %q exhausted: all %d candidates skipped by open breakers", e.Tier, e.Skipped)
	}
	return fmt.Sprintf("gateway tier %q exhausted after %d attempts (%d skipped): last error: %v",
		e.Tier, e.Attempted, e.Skipped, e.LastErr)
}

// Unwrap exposes the last failure for errors.Is/As chains.
func (e *ChainExhaustedError) Unwrap() error { return e.LastErr }
