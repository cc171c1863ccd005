// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"log/slog"
)

// Sink receives fire-and-forget operational alerts. It is never on
// the reasoning path; a slow or broken sink must not affect answers.
type Sink interface {
	Send(ctx context.Context, title, message, level string, metadata map[string]any)
}

// SlogSink writes alerts to structured logs. The default sink; sites
// with a pager integration implement Sink against it instead.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) Send(_ context.Context, title, message, level string, metadata map[string]any) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		slog.String("alert", title),
		slog.String("message", message),
	}
	for k, v := range metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	switch level {
	case "error":
		log.Error("operational alert", attrs...)
	case "warn":
		log.Warn("operational alert", attrs...)
	default:
		log.Info("operational alert", attrs...)
	}
}

// NopSink discards alerts. Used in tests.
type NopSink struct{}

func (NopSink) Send(context.Context, string, string, string, map[string]any) {}
