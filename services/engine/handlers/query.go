// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin HTTP handlers for the query engine.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/engine/generation"
	"github.com/quayside-ai/quayside/services/engine/workflow"
)

// HandleQuery runs one conversational query to completion.
//
// Error mapping: malformed body or failed validation is 400, exhausted
// generation is 502, anything else is 500. Degraded completions are
// still 200 with the degraded flags set in the body.
func HandleQuery(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("Rejected malformed query request", "error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "invalid request body: " + err.Error(),
				Kind:  "validation",
			})
			return
		}

		resp, err := engine.Execute(c.Request.Context(), &req)
		if err != nil {
			switch {
			case workflow.IsValidationError(err):
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
					Error: err.Error(),
					Kind:  "validation",
				})
			default:
				if _, ok := generation.IsGenerationError(err); ok {
					c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{
						Error: err.Error(),
						Kind:  "generation",
					})
					return
				}
				slog.Error("Query execution failed", "error", err)
				c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
					Error: "internal error",
				})
			}
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}
