// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-ai/quayside/services/engine/assembler"
	"github.com/quayside-ai/quayside/services/engine/checkpoint"
	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/engine/generation"
	"github.com/quayside-ai/quayside/services/engine/workflow"
)

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error) {
	return []datatypes.RetrievedPassage{
		{Content: "ctx", SimilarityScore: 0.9, SourceIdentifier: "doc"},
	}, nil
}

type stubGenerator struct {
	err error
}

func (s stubGenerator) Generate(ctx context.Context, query string, asm assembler.Assembled, order []string) (datatypes.StructuredAnswer, string, error) {
	if s.err != nil {
		return datatypes.StructuredAnswer{}, "", s.err
	}
	return datatypes.StructuredAnswer{Answer: "stub answer", Confidence: 0.7}, "openai", nil
}

func testRouter(t *testing.T, genErr error) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := checkpoint.Open(checkpoint.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := workflow.NewEngine(
		stubRetriever{},
		stubGenerator{err: genErr},
		store,
		func(string) []string { return []string{"openai"} },
		workflow.Config{Assembler: assembler.DefaultConfig()},
	)

	router := gin.New()
	router.POST("/v1/query", HandleQuery(engine))
	router.GET("/v1/threads/:threadId/history", GetThreadHistory(engine))
	router.DELETE("/v1/threads/:threadId", DeleteThread(engine))
	router.GET("/v1/stats", HandleStats(engine, []string{"openai"}))
	router.GET("/health", HealthCheck(engine, nil, []string{"openai"}))
	return router
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleQuerySuccess(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "hello"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "stub answer", resp.Answer)
	assert.Equal(t, "openai", resp.ProviderUsed)
	assert.NotEmpty(t, resp.ThreadID)
	assert.NotNil(t, resp.Sources)
}

func TestHandleQueryMalformedBody(t *testing.T) {
	router := testRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryValidationFailure(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "  "})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation", resp.Kind)
}

func TestHandleQueryGenerationFailure(t *testing.T) {
	router := testRouter(t, &generation.GenerationError{
		Attempts: []string{"openai"},
		LastErr:  fmt.Errorf("provider down"),
	})

	w := doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "hello"})

	require.Equal(t, http.StatusBadGateway, w.Code)
	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "generation", resp.Kind)
}

func TestThreadHistoryRoundTrip(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "first"})
	require.Equal(t, http.StatusOK, w.Code)
	var created datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "second", "thread_id": created.ThreadID})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/threads/"+created.ThreadID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist datatypes.HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 2, hist.TotalTurns)
	require.Len(t, hist.Turns, 2)
	assert.Equal(t, "first", hist.Turns[0].Query)

	w = doJSON(router, http.MethodGet, "/v1/threads/"+created.ThreadID+"/history?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Turns, 1)
	assert.Equal(t, "second", hist.Turns[0].Query)
}

func TestCallerSuppliedThreadIDRoundTrip(t *testing.T) {
	router := testRouter(t, nil)
	const threadID = "session-abc-1"

	w := doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "hello", "thread_id": threadID})
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, threadID, resp.ThreadID)

	w = doJSON(router, http.MethodGet, "/v1/threads/"+threadID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist datatypes.HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, threadID, hist.ThreadID)
	require.Len(t, hist.Turns, 1)
	assert.Equal(t, "hello", hist.Turns[0].Query)
}

func TestThreadHistoryNotFound(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodGet, "/v1/threads/"+uuid.NewString()+"/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestThreadHistoryBadLimit(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodGet, "/v1/threads/"+uuid.NewString()+"/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteThread(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "to be deleted"})
	require.Equal(t, http.StatusOK, w.Code)
	var created datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodDelete, "/v1/threads/"+created.ThreadID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/threads/"+created.ThreadID+"/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodDelete, "/v1/threads/"+created.ThreadID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthReportsComponents(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store, err := checkpoint.Open(checkpoint.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	engine := workflow.NewEngine(stubRetriever{}, stubGenerator{}, store,
		func(string) []string { return []string{"openai"} },
		workflow.Config{Assembler: assembler.DefaultConfig()})

	t.Run("all components reachable", func(t *testing.T) {
		router := gin.New()
		router.GET("/health", HealthCheck(engine, func(context.Context) error { return nil }, []string{"openai"}))

		w := doJSON(router, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Status     string `json:"status"`
			Components struct {
				Checkpoint string   `json:"checkpoint"`
				Retrieval  string   `json:"retrieval"`
				Providers  []string `json:"providers"`
			} `json:"components"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "ok", body.Components.Checkpoint)
		assert.Equal(t, "ok", body.Components.Retrieval)
		assert.Equal(t, []string{"openai"}, body.Components.Providers)
	})

	t.Run("unreachable retrieval degrades the summary", func(t *testing.T) {
		router := gin.New()
		router.GET("/health", HealthCheck(engine, func(context.Context) error {
			return fmt.Errorf("weaviate down")
		}, []string{"openai"}))

		w := doJSON(router, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Status     string `json:"status"`
			Components struct {
				Retrieval string `json:"retrieval"`
			} `json:"components"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body.Status)
		assert.Contains(t, body.Components.Retrieval, "weaviate down")
	})
}

func TestHealthAndStats(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/query", gin.H{"query": "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Threads   int      `json:"threads"`
		Turns     int      `json:"turns"`
		Providers []string `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Threads)
	assert.Equal(t, 1, stats.Turns)
	assert.Equal(t, []string{"openai"}, stats.Providers)
}
