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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
)

// CircuitState represents the state of a circuit breaker.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[success]◄── HALF_OPEN ◄──┘
//	                    [cooldown]
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and calls are rejected.
	CircuitOpen

	// CircuitHalfOpen means one trial call is permitted after cooldown.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	// Default: 5.
	FailureThreshold int

	// Cooldown is how long an open breaker rejects calls before
	// permitting a half-open trial. Default: 30s.
	Cooldown time.Duration

	// OnStateChange is called on transitions, asynchronously to
	// avoid blocking the caller.
	OnStateChange func(from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker isolates a repeatedly-failing provider/model.
//
// Description:
//
//	Tracks consecutive failures for one (provider, model) identity.
//	Once the failure count reaches the threshold the breaker opens and
//	IsOpen reports true until the cooldown elapses, at which point one
//	trial call is permitted (half-open). A success in half-open resets
//	to closed; a failure reopens with a renewed cooldown.
//
// Thread Safety: CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      BreakerConfig
	state       CircuitState
	failures    int
	lastFailure time.Time

	// trialInFlight is set while the single half-open trial call is
	// outstanding; further callers are rejected until it resolves.
	trialInFlight bool
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// IsOpen reports whether calls should be rejected right now.
//
// Description:
//
//	Returns false in closed state. In open state, returns true until
//	the cooldown has elapsed since the last failure; once it has, the
//	breaker transitions to half-open and admits exactly one trial
//	call. Other callers arriving while the trial is outstanding are
//	rejected until RecordSuccess or RecordFailure resolves it.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return false
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return true
		}
		cb.trialInFlight = true
		return false
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			cb.trialInFlight = true
			return false
		}
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		// Trial call succeeded, service recovered.
		cb.failures = 0
		cb.trialInFlight = false
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed call (timeouts count as failures).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open goes back to open with renewed cooldown.
		cb.trialInFlight = false
		cb.transitionTo(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker back to closed, clearing all counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialInFlight = false
	cb.transitionTo(CircuitClosed)
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	old := cb.state
	cb.state = state

	if cb.config.OnStateChange != nil {
		// Call the callback without holding the lock to prevent deadlocks.
		go cb.config.OnStateChange(old, state)
	}
}

// BreakerRegistry manages one breaker per (provider, model) identity.
//
// Description:
//
//	Breakers are created lazily on first use and live for the process
//	lifetime. The registry is shared by all in-flight queries, so all
//	access is mutex-guarded.
//
// Thread Safety: BreakerRegistry is safe for concurrent use.
type BreakerRegistry struct {
	mu            sync.RWMutex
	defaultConfig BreakerConfig
	breakers      map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(defaultConfig BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a key, creating it if needed.
//
// Inputs:
//
//	key - Breaker identity, conventionally "provider/model".
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cb, exists = r.breakers[key]; exists {
		return cb
	}
	// Registry-owned breakers report their transitions; the key is
	// only known here.
	cfg := r.defaultConfig
	base := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		observability.BreakerTransitions.WithLabelValues(key, to.String()).Inc()
		if base != nil {
			base(from, to)
		}
	}
	cb = NewCircuitBreaker(cfg)
	r.breakers[key] = cb
	return cb
}

// States returns the current state of all breakers.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]CircuitState, len(r.breakers))
	for key, cb := range r.breakers {
		result[key] = cb.State()
	}
	return result
}

// ResetAll resets every breaker in the registry.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
