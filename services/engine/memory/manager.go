// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianAnswers/services/engine/observability"
	"github.com/AleutianAI/AleutianAnswers/services/engine/storage"
	"github.com/AleutianAI/AleutianAnswers/services/llm"
)

var tracer = otel.Tracer("answers.engine.memory")

// Doc store tables.
const (
	factTable    = "memory"
	profileTable = "profiles"
)

// Generator is the slice of the LLM gateway fact extraction needs.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, tier llm.Tier, params llm.GenerationParams) (*llm.Response, error)
}

// Fact is one durable statement about a user.
type Fact struct {
	Fact      string    `json:"fact"`
	Category  string    `json:"category,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is the per-user context loaded before any short-circuit.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Facts       []Fact `json:"facts,omitempty"`
}

const factPrompt = `Extract durable facts about the user from this exchange: stable preferences, role, constraints, or corrections. Ignore one-off questions and anything already obvious from the answer.

Respond with ONLY a JSON array of objects: [{"fact": "...", "category": "preference|role|constraint|correction"}]. Respond with [] when nothing is worth remembering.

User: %s
Assistant: %s`

// Manager extracts facts from answered queries and persists them,
// serialized per user through the lock registry.
type Manager struct {
	gen         Generator
	docs        *storage.DocStore
	locks       *LockRegistry
	lockTimeout time.Duration
	log         *slog.Logger
}

// NewManager builds a memory manager.
func NewManager(gen Generator, docs *storage.DocStore, locks *LockRegistry, lockTimeout time.Duration, log *slog.Logger) (*Manager, error) {
	if docs == nil {
		return nil, fmt.Errorf("memory manager requires a doc store")
	}
	if locks == nil {
		locks = NewLockRegistry(DefaultLockCapacity)
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		gen:         gen,
		docs:        docs,
		locks:       locks,
		lockTimeout: lockTimeout,
		log:         log,
	}, nil
}

// WriteMemory extracts and persists facts for one exchange.
//
// Description:
//
//	Acquires the user's lock, runs fact extraction, and upserts
//	each fact keyed by content hash so repeated extraction never
//	duplicates. The whole extraction-and-persist step runs under
//	the lock; two writes for the same user never interleave. A lock
//	timeout is logged and skipped, never surfaced to the caller:
//	memory is best-effort and must not delay or fail a response.
func (m *Manager) WriteMemory(ctx context.Context, userID, sessionID, query, answer string) error {
	ctx, span := tracer.Start(ctx, "memory.WriteMemory")
	defer span.End()

	if userID == "" {
		return nil
	}

	release, err := m.locks.Acquire(ctx, userID, m.lockTimeout)
	if err != nil {
		observability.MemoryWrites.WithLabelValues("skipped_lock").Inc()
		m.log.Warn("memory write skipped",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return nil
	}
	defer release()

	facts, err := m.extractFacts(ctx, sessionID, query, answer)
	if err != nil {
		observability.MemoryWrites.WithLabelValues("error").Inc()
		m.log.Warn("fact extraction failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return nil
	}

	for _, f := range facts {
		key := userID + "/" + factHash(f.Fact)
		if _, exists, err := m.docs.Get(ctx, factTable, key); err == nil && exists {
			continue
		}
		row := map[string]any{
			"fact":       f.Fact,
			"category":   f.Category,
			"session_id": f.SessionID,
			"created_at": f.CreatedAt.Format(time.RFC3339),
		}
		if err := m.docs.Put(ctx, factTable, key, row); err != nil {
			observability.MemoryWrites.WithLabelValues("error").Inc()
			m.log.Warn("fact persist failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			return nil
		}
	}

	observability.MemoryWrites.WithLabelValues("ok").Inc()
	return nil
}

// LoadProfile returns the user's profile with their stored facts. A
// user with no stored state gets an empty profile, not an error.
func (m *Manager) LoadProfile(ctx context.Context, userID string) (*Profile, error) {
	profile := &Profile{UserID: userID}
	if userID == "" {
		return profile, nil
	}

	row, found, err := m.docs.Get(ctx, profileTable, userID)
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", userID, err)
	}
	if found {
		if name, ok := row["display_name"].(string); ok {
			profile.DisplayName = name
		}
	}

	rows, err := m.docs.Scan(ctx, factTable, userID+"/", 50)
	if err != nil {
		return nil, fmt.Errorf("loading facts for %s: %w", userID, err)
	}
	for _, r := range rows {
		f := Fact{}
		if s, ok := r["fact"].(string); ok {
			f.Fact = s
		}
		if s, ok := r["category"].(string); ok {
			f.Category = s
		}
		if s, ok := r["created_at"].(string); ok {
			f.CreatedAt, _ = time.Parse(time.RFC3339, s)
		}
		if f.Fact != "" {
			profile.Facts = append(profile.Facts, f)
		}
	}
	return profile, nil
}

// SaveProfile upserts profile fields other than facts.
func (m *Manager) SaveProfile(ctx context.Context, profile *Profile) error {
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("profile requires a user id")
	}
	return m.docs.Put(ctx, profileTable, profile.UserID, map[string]any{
		"display_name": profile.DisplayName,
	})
}

func (m *Manager) extractFacts(ctx context.Context, sessionID, query, answer string) ([]Fact, error) {
	if m.gen == nil {
		return nil, nil
	}

	resp, err := m.gen.Generate(ctx,
		[]llm.Message{
			{Role: "system", Content: "You extract user facts. You respond with valid JSON only."},
			{Role: "user", Content: fmt.Sprintf(factPrompt, query, answer)},
		},
		llm.TierFast,
		llm.GenerationParams{},
	)
	if err != nil {
		return nil, err
	}

	payload := strings.TrimSpace(resp.Content)
	payload = strings.TrimPrefix(payload, "```json")
	payload = strings.TrimPrefix(payload, "```")
	payload = strings.TrimSuffix(strings.TrimSpace(payload), "```")

	var wire []struct {
		Fact     string `json:"fact"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, fmt.Errorf("parsing facts: %w", err)
	}

	now := time.Now().UTC()
	var facts []Fact
	for _, w := range wire {
		if w.Fact == "" {
			continue
		}
		facts = append(facts, Fact{
			Fact:      w.Fact,
			Category:  w.Category,
			SessionID: sessionID,
			CreatedAt: now,
		})
	}
	return facts, nil
}

func factHash(fact string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(fact))))
	return hex.EncodeToString(sum[:8])
}
