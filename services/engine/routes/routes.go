// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianAnswers/services/engine/graph"
	"github.com/AleutianAI/AleutianAnswers/services/engine/handlers"
	"github.com/AleutianAI/AleutianAnswers/services/engine/memory"
	"github.com/AleutianAI/AleutianAnswers/services/engine/orchestrator"
)

// SetupRoutes registers the answers API. builder, graphStore, and mem
// may be nil; their routes are skipped.
func SetupRoutes(router *gin.Engine, orch *orchestrator.Orchestrator,
	builder *graph.Builder, graphStore *graph.Store, mem *memory.Manager) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/query", handlers.HandleQuery(orch))
		v1.POST("/query/stream", handlers.HandleQueryStream(orch))

		if builder != nil && graphStore != nil {
			graphGroup := v1.Group("/graph")
			{
				graphGroup.POST("/extract", handlers.HandleExtractEntities(builder))
				graphGroup.POST("/ingest", handlers.HandleIngestDocument(builder))
				graphGroup.GET("/export", handlers.HandleExportGraph(graphStore))
				graphGroup.GET("/stats", handlers.HandleGraphStats(graphStore))
			}
		}
		if mem != nil {
			v1.GET("/users/:userId/profile", handlers.HandleGetProfile(mem))
		}
	}
}
