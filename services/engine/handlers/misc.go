// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/engine/workflow"
)

// HealthCheck reports liveness of the engine and its collaborators:
// checkpoint store reachability, retrieval backend reachability, and
// the configured providers. A nil retrievalPing skips the retrieval
// probe. Overall status is "degraded" when any component is down; the
// endpoint itself still answers 200 so liveness probes stay simple.
func HealthCheck(engine *workflow.Engine, retrievalPing func(context.Context) error, providers []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		components := gin.H{"providers": providers}

		if _, _, err := engine.Stats(c.Request.Context()); err != nil {
			slog.Warn("Health check: checkpoint store unreachable", "error", err)
			components["checkpoint"] = "unreachable: " + err.Error()
			status = "degraded"
		} else {
			components["checkpoint"] = "ok"
		}

		if retrievalPing != nil {
			if err := retrievalPing(c.Request.Context()); err != nil {
				slog.Warn("Health check: retrieval backend unreachable", "error", err)
				components["retrieval"] = "unreachable: " + err.Error()
				status = "degraded"
			} else {
				components["retrieval"] = "ok"
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": status, "components": components})
	}
}

// HandleStats reports stored thread/turn counts and configured providers.
func HandleStats(engine *workflow.Engine, providers []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		threads, turns, err := engine.Stats(c.Request.Context())
		if err != nil {
			slog.Error("Failed to collect engine stats", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"threads":   threads,
			"turns":     turns,
			"providers": providers,
		})
	}
}
