// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quayside-ai/quayside/services/engine/handlers"
	"github.com/quayside-ai/quayside/services/engine/workflow"
)

func SetupRoutes(router *gin.Engine, engine *workflow.Engine, retrievalPing func(context.Context) error, providers []string) {
	router.GET("/health", handlers.HealthCheck(engine, retrievalPing, providers))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/query", handlers.HandleQuery(engine))
		v1.GET("/stats", handlers.HandleStats(engine, providers))

		// Thread administration routes
		threads := v1.Group("/threads")
		{
			threads.GET("/:threadId/history", handlers.GetThreadHistory(engine))
			threads.DELETE("/:threadId", handlers.DeleteThread(engine))
		}
	}
}
