// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
)

type fakeSearcher struct {
	calls    int
	failures int
	failWith error
	results  []datatypes.RetrievedPassage
}

func (f *fakeSearcher) Search(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	return f.results, nil
}

func passage(source, locator string, score float64) datatypes.RetrievedPassage {
	return datatypes.RetrievedPassage{
		Content:          "text from " + source,
		SimilarityScore:  score,
		SourceIdentifier: source,
		Locator:          locator,
	}
}

func TestRank(t *testing.T) {
	t.Run("sorts by score descending", func(t *testing.T) {
		in := []datatypes.RetrievedPassage{
			passage("a", "p1", 0.5),
			passage("b", "p1", 0.9),
			passage("c", "p1", 0.7),
		}
		out := Rank(in, 0, 0)
		require.Len(t, out, 3)
		assert.Equal(t, "b", out[0].SourceIdentifier)
		assert.Equal(t, "c", out[1].SourceIdentifier)
		assert.Equal(t, "a", out[2].SourceIdentifier)
	})

	t.Run("dedupes by source position keeping highest score", func(t *testing.T) {
		in := []datatypes.RetrievedPassage{
			passage("a", "p1", 0.5),
			passage("a", "p1", 0.8),
			passage("a", "p2", 0.6),
		}
		out := Rank(in, 0, 0)
		require.Len(t, out, 2)
		assert.InDelta(t, 0.8, out[0].SimilarityScore, 1e-9)
		assert.Equal(t, "p1", out[0].Locator)
	})

	t.Run("applies similarity floor", func(t *testing.T) {
		in := []datatypes.RetrievedPassage{
			passage("a", "p1", 0.9),
			passage("b", "p1", 0.3),
		}
		out := Rank(in, 0.5, 0)
		require.Len(t, out, 1)
		assert.Equal(t, "a", out[0].SourceIdentifier)
	})

	t.Run("truncates to topK", func(t *testing.T) {
		in := []datatypes.RetrievedPassage{
			passage("a", "p1", 0.9),
			passage("b", "p1", 0.8),
			passage("c", "p1", 0.7),
		}
		out := Rank(in, 0, 2)
		assert.Len(t, out, 2)
	})

	t.Run("empty input yields empty output", func(t *testing.T) {
		out := Rank(nil, 0.5, 5)
		assert.Empty(t, out)
	})
}

func TestGatewayRetriesRetryableFailureOnce(t *testing.T) {
	searcher := &fakeSearcher{
		failures: 1,
		failWith: &RetrievalError{Message: "backend hiccup", Retryable: true},
		results:  []datatypes.RetrievedPassage{passage("a", "p1", 0.9)},
	}
	gw := NewGateway(searcher, 0, time.Millisecond, 0)

	out, err := gw.Retrieve(context.Background(), "hello", 5)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 2, searcher.calls)
}

func TestGatewayGivesUpAfterSecondFailure(t *testing.T) {
	searcher := &fakeSearcher{
		failures: 2,
		failWith: &RetrievalError{Message: "backend down", Retryable: true},
	}
	gw := NewGateway(searcher, 0, time.Millisecond, 0)

	_, err := gw.Retrieve(context.Background(), "hello", 5)
	require.Error(t, err)
	retErr, ok := IsRetrievalError(err)
	require.True(t, ok)
	assert.True(t, retErr.Retryable)
	assert.Equal(t, 2, searcher.calls)
}

func TestGatewayDoesNotRetryNonRetryable(t *testing.T) {
	searcher := &fakeSearcher{
		failures: 1,
		failWith: &RetrievalError{Message: "bad class", Retryable: false},
	}
	gw := NewGateway(searcher, 0, time.Millisecond, 0)

	_, err := gw.Retrieve(context.Background(), "hello", 5)
	require.Error(t, err)
	assert.Equal(t, 1, searcher.calls)
}

func TestGatewayEmptyResultIsNotAnError(t *testing.T) {
	searcher := &fakeSearcher{}
	gw := NewGateway(searcher, 0.5, time.Millisecond, 0)

	out, err := gw.Retrieve(context.Background(), "unmatched query", 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}
