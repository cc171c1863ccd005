// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers for the answers API.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAnswers/services/engine/graph"
	"github.com/AleutianAI/AleutianAnswers/services/engine/memory"
	"github.com/AleutianAI/AleutianAnswers/services/engine/orchestrator"
)

var tracer = otel.Tracer("answers.engine.handlers")

// QueryRequest is the body for /v1/query and /v1/query/stream.
type QueryRequest struct {
	Query     string `json:"query" binding:"required"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// IngestRequest is the body for /v1/graph/ingest.
type IngestRequest struct {
	Text       string `json:"text" binding:"required"`
	Collection string `json:"collection"`
}

// HealthCheck reports process liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleQuery answers one query synchronously.
func HandleQuery(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleQuery")
		defer span.End()

		var req QueryRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		span.SetAttributes(
			attribute.String("session_id", sessionID),
			attribute.Bool("has_user", req.UserID != ""),
		)

		result, err := orch.ProcessQuery(ctx, req.Query, req.UserID, sessionID, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("query failed", "error", err, "session_id", sessionID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query processing failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"result":     result,
		})
	}
}

// HandleQueryStream answers one query as an SSE event stream.
//
// Description:
//
//	Emits one SSE event per reasoning event (thought, tool_call,
//	partial_answer) and closes after the final event, which carries
//	the full result. Client disconnect cancels the query.
func HandleQueryStream(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleQueryStream")
		defer span.End()

		var req QueryRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		for ev := range orch.StreamQuery(ctx, req.Query, req.UserID, sessionID, nil) {
			if err := writer.WriteEvent(ev); err != nil {
				// Client went away; the context cancel drains the rest.
				slog.Debug("sse write failed", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}

// HandleExtractEntities runs knowledge-graph extraction on a text
// without persisting anything.
func HandleExtractEntities(builder *graph.Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleExtractEntities")
		defer span.End()

		var req IngestRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		extraction, err := builder.ExtractEntities(ctx, req.Text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("extraction failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "extraction failed"})
			return
		}
		c.JSON(http.StatusOK, extraction)
	}
}

// HandleIngestDocument extracts and persists a text into the graph.
func HandleIngestDocument(builder *graph.Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleIngestDocument")
		defer span.End()

		var req IngestRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		extraction, err := builder.Ingest(ctx, req.Text, req.Collection)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("graph ingest failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "graph ingest failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entities":      len(extraction.Entities),
			"relationships": len(extraction.Relationships),
			"source":        extraction.Source,
		})
	}
}

// HandleExportGraph serializes the full graph. Format comes from the
// "format" query parameter and defaults to json.
func HandleExportGraph(store *graph.Store) gin.HandlerFunc {
	contentTypes := map[graph.Format]string{
		graph.FormatJSON:    "application/json",
		graph.FormatCypher:  "text/plain; charset=utf-8",
		graph.FormatGraphML: "application/xml",
	}
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleExportGraph")
		defer span.End()

		format := graph.Format(c.DefaultQuery("format", string(graph.FormatJSON)))
		span.SetAttributes(attribute.String("format", string(format)))

		out, err := store.Export(ctx, format)
		if err != nil {
			if errors.Is(err, graph.ErrUnknownFormat) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Data(http.StatusOK, contentTypes[format], []byte(out))
	}
}

// HandleGraphStats reports entity and relationship counts.
func HandleGraphStats(store *graph.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleGraphStats")
		defer span.End()

		entities, rels, err := store.Counts(ctx)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entities": entities, "relationships": rels})
	}
}

// HandleGetProfile returns a user's stored profile and facts.
func HandleGetProfile(mem *memory.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleGetProfile")
		defer span.End()

		userID := c.Param("userId")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}
		profile, err := mem.LoadProfile(ctx, userID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "profile load failed"})
			return
		}
		c.JSON(http.StatusOK, profile)
	}
}
