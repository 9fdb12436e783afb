// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval fetches scored passages for a query from the vector
// search backend and normalizes them for context assembly.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
)

var tracer = otel.Tracer("quayside.engine.retrieval")

// RetrievalError wraps failures from the search backend with a
// retryability hint.
type RetrievalError struct {
	Message   string
	Retryable bool
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval error: %s (retryable: %v)", e.Message, e.Retryable)
}

// IsRetrievalError checks if an error is a RetrievalError.
func IsRetrievalError(err error) (*RetrievalError, bool) {
	var retErr *RetrievalError
	if errors.As(err, &retErr) {
		return retErr, true
	}
	return nil, false
}

// Searcher is the raw similarity search backend. Implementations return
// passages in backend order; the gateway handles dedupe, filtering, and
// ranking.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error)
}

// Pinger is implemented by backends that expose a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Gateway runs similarity searches with one bounded retry and
// normalizes the results.
//
// # Description
//
// Retrieve calls the backend once and, if the failure is retryable,
// retries exactly once after a short backoff. Surviving results are
// deduplicated by source position (highest score wins), filtered by the
// similarity floor, and sorted by score descending. A query matching
// nothing is a valid empty result, not an error.
//
// # Thread Safety
//
// Gateway is safe for concurrent use.
type Gateway struct {
	searcher        Searcher
	similarityFloor float64
	retryBackoff    time.Duration
	timeout         time.Duration
}

// NewGateway creates a retrieval gateway over the given backend.
// A non-positive timeout disables the per-attempt deadline.
func NewGateway(searcher Searcher, similarityFloor float64, retryBackoff, timeout time.Duration) *Gateway {
	if retryBackoff <= 0 {
		retryBackoff = 250 * time.Millisecond
	}
	return &Gateway{
		searcher:        searcher,
		similarityFloor: similarityFloor,
		retryBackoff:    retryBackoff,
		timeout:         timeout,
	}
}

// Retrieve returns ranked passages for a query.
func (g *Gateway) Retrieve(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.top_k", topK))

	passages, err := g.search(ctx, query, topK)
	if err != nil {
		retErr, ok := IsRetrievalError(err)
		if !ok || !retErr.Retryable || ctx.Err() != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		slog.Warn("Retrieval attempt failed, retrying once",
			"error", err, "backoff", g.retryBackoff)
		select {
		case <-time.After(g.retryBackoff):
		case <-ctx.Done():
			return nil, &RetrievalError{Message: ctx.Err().Error(), Retryable: false}
		}

		passages, err = g.search(ctx, query, topK)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	ranked := Rank(passages, g.similarityFloor, topK)
	span.SetAttributes(attribute.Int("retrieval.num_passages", len(ranked)))
	slog.Debug("Retrieval complete", "raw", len(passages), "ranked", len(ranked))
	return ranked, nil
}

// Ping reports whether the search backend is reachable. Backends
// without a liveness probe are assumed reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	if p, ok := g.searcher.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (g *Gateway) search(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.searcher.Search(ctx, query, topK)
}

// Rank deduplicates passages by source position keeping the highest
// score, drops everything below the similarity floor, sorts by score
// descending, and truncates to topK. Order among equal scores follows
// first appearance.
func Rank(passages []datatypes.RetrievedPassage, floor float64, topK int) []datatypes.RetrievedPassage {
	best := make(map[string]datatypes.RetrievedPassage, len(passages))
	order := make([]string, 0, len(passages))
	for _, p := range passages {
		key := p.DedupeKey()
		prev, seen := best[key]
		if !seen {
			order = append(order, key)
			best[key] = p
			continue
		}
		if p.SimilarityScore > prev.SimilarityScore {
			best[key] = p
		}
	}

	result := make([]datatypes.RetrievedPassage, 0, len(order))
	for _, key := range order {
		p := best[key]
		if p.SimilarityScore < floor {
			continue
		}
		result = append(result, p)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].SimilarityScore > result[j].SimilarityScore
	})

	if topK > 0 && len(result) > topK {
		result = result[:topK]
	}
	return result
}
