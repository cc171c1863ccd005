// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAnswers/services/engine/orchestrator"
)

// WireEvent is the SSE payload for one reasoning event.
//
// # Description
//
// Wraps an orchestrator.StreamEvent with delivery metadata. Each event
// carries a UUID, a creation timestamp, a SHA-256 content hash, and the
// hash of the previous event, so a client can verify ordering and
// detect dropped events.
type WireEvent struct {
	Id        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`

	orchestrator.StreamEvent
}

// SSEWriter writes Server-Sent Events for a streamed query.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; keep-alives may be
// sent from a separate goroutine while the event loop writes.
type SSEWriter interface {
	// WriteEvent writes one reasoning event. Id, CreatedAt, Hash, and
	// PrevHash are populated by the writer.
	WriteEvent(ev orchestrator.StreamEvent) error

	// WriteError writes a sanitized error event. Internal detail never
	// reaches the client.
	WriteError(msg string) error

	// WriteKeepAlive sends an SSE comment line to keep the connection
	// open during long retrieval or reasoning steps. Comments are not
	// part of the hash chain.
	WriteKeepAlive() error
}

// SetSSEHeaders sets the response headers required before the first
// SSE write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps a ResponseWriter for SSE output. The caller must
// have set headers via SetSSEHeaders first.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(ev orchestrator.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	wire := WireEvent{
		Id:          uuid.New().String(),
		CreatedAt:   time.Now().UnixMilli(),
		PrevHash:    w.prevHash,
		StreamEvent: ev,
	}
	wire.Hash = computeEventHash(wire)
	w.prevHash = wire.Hash

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteError(msg string) error {
	return w.WriteEvent(orchestrator.StreamEvent{Kind: "error", Text: msg})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keep-alive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes the event content and its chain position.
// The Hash field itself is excluded.
func computeEventHash(ev WireEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s", ev.Id, ev.CreatedAt, ev.PrevHash, ev.Kind, ev.Text)
	if ev.Result != nil {
		fmt.Fprintf(h, "|%s", ev.Result.Answer)
	}
	return hex.EncodeToString(h.Sum(nil))
}
