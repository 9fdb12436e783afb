// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxQueryBytes bounds the raw query payload. Queries beyond this are
// rejected during validation rather than truncated.
const MaxQueryBytes = 32 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Request Types
// =============================================================================

// QueryRequest is the body of POST /v1/query.
//
// ThreadID is an opaque caller-chosen identifier: when empty a fresh
// UUID is generated and returned in the response, but any non-empty
// string within the length bound is accepted as-is. Provider is
// optional and names the preferred provider for this query only;
// fallbacks still apply. TopK is optional and clamped server-side to
// the configured maximum.
type QueryRequest struct {
	Query    string `json:"query" validate:"required"`
	ThreadID string `json:"thread_id,omitempty" validate:"omitempty,max=128"`
	Provider string `json:"provider,omitempty" validate:"omitempty,oneof=openai ollama"`
	TopK     int    `json:"top_k,omitempty" validate:"omitempty,gte=1,lte=50"`
}

// Validate checks structural constraints on the request. The workflow
// layer wraps failures in its validation error kind.
func (r *QueryRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query must not be empty or whitespace")
	}
	if len(r.Query) > MaxQueryBytes {
		return fmt.Errorf("query exceeds %d byte limit", MaxQueryBytes)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid query request: %w", err)
	}
	return nil
}

// EnsureDefaults normalizes the query, fills a missing thread id with
// a fresh UUID, and reports whether a new thread was started. Call
// after Validate.
func (r *QueryRequest) EnsureDefaults() (newThread bool) {
	r.Query = strings.TrimSpace(r.Query)
	if r.ThreadID == "" {
		r.ThreadID = uuid.NewString()
		return true
	}
	return false
}

// =============================================================================
// Response Types
// =============================================================================

// QueryResponse is the wire shape returned by POST /v1/query.
//
// Degraded is true when the workflow completed under a failure it could
// absorb; DegradedReasons enumerates which ("retrieval_unavailable",
// "unpersisted"). Timestamp is Unix milliseconds UTC.
type QueryResponse struct {
	Query           string      `json:"query"`
	Answer          string      `json:"answer"`
	Confidence      float64     `json:"confidence"`
	Sources         []SourceRef `json:"sources"`
	ThreadID        string      `json:"thread_id"`
	ProviderUsed    string      `json:"provider_used"`
	Timestamp       int64       `json:"timestamp"`
	Degraded        bool        `json:"degraded"`
	DegradedReasons []string    `json:"degraded_reasons,omitempty"`
}

// HistoryResponse is the wire shape of GET /v1/threads/:threadId/history.
// Turns are oldest first; TotalTurns is the thread's full length even
// when a limit trimmed the returned slice.
type HistoryResponse struct {
	ThreadID   string `json:"thread_id"`
	Turns      []Turn `json:"turns"`
	TotalTurns int    `json:"total_turns"`
}

// ErrorResponse is the uniform error body for all engine endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
