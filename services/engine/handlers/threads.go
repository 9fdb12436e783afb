// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quayside-ai/quayside/services/engine/checkpoint"
	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/engine/workflow"
)

// GetThreadHistory returns a thread's turn history, oldest first.
// The optional limit query parameter keeps only the most recent turns.
func GetThreadHistory(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID := c.Param("threadId")

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
					Error: "limit must be a non-negative integer",
					Kind:  "validation",
				})
				return
			}
			limit = parsed
		}

		hist, err := engine.History(c.Request.Context(), threadID, limit)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
					Error: "thread not found",
					Kind:  "not_found",
				})
				return
			}
			slog.Error("Failed to load thread history", "thread_id", threadID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal error"})
			return
		}

		c.JSON(http.StatusOK, hist)
	}
}

// DeleteThread removes a thread and its history.
func DeleteThread(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID := c.Param("threadId")
		slog.Info("Received a request to delete a thread", "thread_id", threadID)

		err := engine.DeleteThread(c.Request.Context(), threadID)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
					Error: "thread not found",
					Kind:  "not_found",
				})
				return
			}
			slog.Error("Failed to delete thread", "thread_id", threadID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_thread_id": threadID})
	}
}
