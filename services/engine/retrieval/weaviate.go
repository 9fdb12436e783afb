// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
)

// maxEmbedLength caps the text sent to the embedding service. Longer
// queries are truncated before embedding, never rejected.
const maxEmbedLength = 8192

// EmbeddingProvider computes vector embeddings for query text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// =============================================================================
// HTTP Embedder
// =============================================================================

// HTTPEmbedder calls an external embedding service over HTTP.
// The service accepts POST /embed with {"text": "..."} and responds
// with {"embedding": [...]}.
type HTTPEmbedder struct {
	httpClient *http.Client
	baseURL    string
}

func NewHTTPEmbedder(baseURL string) (*HTTPEmbedder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("embedding service url not configured")
	}
	return &HTTPEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Embed computes a vector embedding for the given text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embed", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return parsed.Embedding, nil
}

// =============================================================================
// Weaviate Searcher
// =============================================================================

// WeaviateSearcher implements Searcher against a Weaviate class of
// document chunks.
//
// # Description
//
// Embeds the query via the configured EmbeddingProvider and runs a
// NearVector search over the passage class. Certainty is requested
// instead of distance because it is always in [0,1] regardless of the
// distance metric.
//
// # Thread Safety
//
// WeaviateSearcher is safe for concurrent use. The underlying Weaviate
// client handles connection pooling.
type WeaviateSearcher struct {
	client    *weaviate.Client
	embedder  EmbeddingProvider
	className string
}

// NewWeaviateSearcher creates a searcher over the given passage class.
func NewWeaviateSearcher(client *weaviate.Client, embedder EmbeddingProvider, className string) *WeaviateSearcher {
	if className == "" {
		className = "Passage"
	}
	return &WeaviateSearcher{
		client:    client,
		embedder:  embedder,
		className: className,
	}
}

// Ping checks Weaviate readiness.
func (s *WeaviateSearcher) Ping(ctx context.Context) error {
	isReady, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness check failed: %w", err)
	}
	if !isReady {
		return fmt.Errorf("weaviate reports not ready")
	}
	return nil
}

// passageQueryResponse mirrors the GraphQL Get response shape, keyed by
// class name.
type passageQueryResponse map[string][]passageResult

type passageResult struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Locator    string `json:"locator"`
	ChunkIndex *int   `json:"chunk_index"`
	Additional struct {
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// truncateForEmbed caps the text at maxEmbedLength bytes without
// splitting a UTF-8 sequence.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedLength {
		return text
	}
	cut := maxEmbedLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Search retrieves the topK most similar passages for a query.
func (s *WeaviateSearcher) Search(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error) {
	// 1. Truncate query if needed
	truncated := truncateForEmbed(query)
	if len(truncated) < len(query) {
		slog.Debug("Truncated query for embedding", "originalLen", len(query), "truncatedLen", len(truncated))
	}

	// 2. Get embedding for the query
	vector, err := s.embedder.Embed(ctx, truncated)
	if err != nil {
		slog.Error("Failed to embed query", "error", err)
		return nil, &RetrievalError{Message: fmt.Sprintf("failed to embed query: %v", err), Retryable: true}
	}

	// 3. Build the NearVector search
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	// 4. Define fields to retrieve
	// Note: We request certainty (always [0,1]) instead of distance which varies by metric
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "locator"},
		{Name: "chunk_index"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	// 5. Execute the search
	result, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)

	if err != nil {
		slog.Error("Weaviate passage search failed", "error", err)
		return nil, &RetrievalError{Message: fmt.Sprintf("weaviate search failed: %v", err), Retryable: true}
	}
	if errMsg := graphQLErrors(result); errMsg != "" {
		slog.Error("Weaviate returned GraphQL errors", "errors", errMsg)
		return nil, &RetrievalError{Message: fmt.Sprintf("weaviate graphql errors: %s", errMsg), Retryable: false}
	}

	// 6. Parse the results
	passages, err := s.parseResults(result)
	if err != nil {
		return nil, &RetrievalError{Message: err.Error(), Retryable: false}
	}
	slog.Debug("Weaviate search complete", "count", len(passages))
	return passages, nil
}

func graphQLErrors(resp *models.GraphQLResponse) string {
	if resp == nil || len(resp.Errors) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

func (s *WeaviateSearcher) parseResults(resp *models.GraphQLResponse) ([]datatypes.RetrievedPassage, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	raw, err := json.Marshal(resp.Data["Get"])
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed passageQueryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	hits := parsed[s.className]
	passages := make([]datatypes.RetrievedPassage, 0, len(hits))
	for _, hit := range hits {
		var score float64
		if hit.Additional.Certainty != nil {
			score = float64(*hit.Additional.Certainty)
		}
		chunkIndex := 0
		if hit.ChunkIndex != nil {
			chunkIndex = *hit.ChunkIndex
		}
		passages = append(passages, datatypes.RetrievedPassage{
			Content:          hit.Content,
			SimilarityScore:  score,
			SourceIdentifier: hit.Source,
			Locator:          hit.Locator,
			ChunkIndex:       chunkIndex,
		})
	}
	return passages, nil
}
