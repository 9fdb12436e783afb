// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-ai/quayside/services/engine/assembler"
	"github.com/quayside-ai/quayside/services/engine/checkpoint"
	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/engine/generation"
	"github.com/quayside-ai/quayside/services/engine/retrieval"
)

// mockRetriever returns fixed passages or an error.
type mockRetriever struct {
	passages []datatypes.RetrievedPassage
	err      error
	calls    int
	lastTopK int
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error) {
	m.calls++
	m.lastTopK = topK
	if m.err != nil {
		return nil, m.err
	}
	return m.passages, nil
}

// mockGenerator returns a fixed answer or an error, and captures the
// assembled context it received.
type mockGenerator struct {
	answer    datatypes.StructuredAnswer
	provider  string
	err       error
	lastAsm   assembler.Assembled
	lastOrder []string
}

func (m *mockGenerator) Generate(ctx context.Context, query string, asm assembler.Assembled, order []string) (datatypes.StructuredAnswer, string, error) {
	m.lastAsm = asm
	m.lastOrder = order
	if m.err != nil {
		return datatypes.StructuredAnswer{}, "", m.err
	}
	return m.answer, m.provider, nil
}

// failingStore wraps a real in-memory store but fails appends.
type failingStore struct {
	checkpoint.Store
	appendErr     error
	conflictTimes int
	appendCalls   int
}

func (f *failingStore) Append(ctx context.Context, threadID string, baseVersion uint64, turn datatypes.Turn) (*checkpoint.Checkpoint, error) {
	f.appendCalls++
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	if f.appendCalls <= f.conflictTimes {
		return nil, checkpoint.ErrConflict
	}
	return f.Store.Append(ctx, threadID, baseVersion, turn)
}

func openStore(t *testing.T) *checkpoint.BadgerStore {
	t.Helper()
	store, err := checkpoint.Open(checkpoint.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fixedOrder(requested string) []string {
	if requested != "" {
		return []string{requested, "ollama"}
	}
	return []string{"openai", "ollama"}
}

func goodAnswer() datatypes.StructuredAnswer {
	return datatypes.StructuredAnswer{
		Answer:     "the sky is blue",
		Confidence: 0.82,
		Sources: []datatypes.SourceRef{
			{Content: "sky: blue", SourceIdentifier: "atlas", Score: 0.9},
		},
	}
}

func newEngine(ret Retriever, gen Generator, store checkpoint.Store) *Engine {
	return NewEngine(ret, gen, store, fixedOrder, Config{
		TopKDefault:   5,
		TopKMax:       20,
		Assembler:     assembler.DefaultConfig(),
		AppendRetries: 3,
	})
}

func TestExecuteHappyPath(t *testing.T) {
	store := openStore(t)
	ret := &mockRetriever{passages: []datatypes.RetrievedPassage{
		{Content: "sky: blue", SimilarityScore: 0.9, SourceIdentifier: "atlas"},
	}}
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(ret, gen, store)

	req := &datatypes.QueryRequest{Query: "why is the sky blue"}
	resp, err := engine.Execute(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "the sky is blue", resp.Answer)
	assert.Equal(t, "openai", resp.ProviderUsed)
	assert.False(t, resp.Degraded)
	assert.Empty(t, resp.DegradedReasons)
	assert.NotEmpty(t, resp.ThreadID)
	assert.Greater(t, resp.Timestamp, int64(0))

	// The turn was persisted with version 1.
	cp, err := store.Load(context.Background(), resp.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.Version)
	require.Len(t, cp.Turns, 1)
	assert.Equal(t, "why is the sky blue", cp.Turns[0].Query)
	assert.Equal(t, "openai", cp.Turns[0].ProviderUsed)
	require.Len(t, cp.Turns[0].RetrievedRefs, 1)
	assert.Equal(t, "atlas", cp.Turns[0].RetrievedRefs[0].SourceIdentifier)
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	engine := newEngine(&mockRetriever{}, &mockGenerator{}, openStore(t))

	_, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "   "})

	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestExecuteDegradedRetrieval(t *testing.T) {
	store := openStore(t)
	ret := &mockRetriever{err: &retrieval.RetrievalError{Message: "backend down", Retryable: true}}
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(ret, gen, store)

	resp, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hello"})

	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{DegradedRetrievalUnavailable}, resp.DegradedReasons)
	// Generation still ran, with an empty context.
	assert.Empty(t, gen.lastAsm.IncludedPassages)

	// Degraded results are still persisted.
	cp, err := store.Load(context.Background(), resp.ThreadID)
	require.NoError(t, err)
	assert.Len(t, cp.Turns, 1)
}

func TestExecuteGenerationFailureIsFatal(t *testing.T) {
	store := openStore(t)
	gen := &mockGenerator{err: &generation.GenerationError{
		Attempts: []string{"openai", "ollama"},
		LastErr:  fmt.Errorf("all down"),
	}}
	engine := newEngine(&mockRetriever{}, gen, store)

	req := &datatypes.QueryRequest{Query: "hello"}
	_, err := engine.Execute(context.Background(), req)

	require.Error(t, err)
	_, ok := generation.IsGenerationError(err)
	assert.True(t, ok)

	// Nothing was persisted for the failed query.
	_, err = store.Load(context.Background(), req.ThreadID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestExecuteUnpersistedDegradation(t *testing.T) {
	store := &failingStore{
		Store:     openStore(t),
		appendErr: fmt.Errorf("disk full"),
	}
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(&mockRetriever{}, gen, store)

	resp, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hello"})

	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedReasons, DegradedUnpersisted)
	assert.Equal(t, "the sky is blue", resp.Answer)
}

func TestExecuteRetriesConflictedAppend(t *testing.T) {
	store := &failingStore{
		Store:         openStore(t),
		conflictTimes: 2,
	}
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(&mockRetriever{}, gen, store)

	resp, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hello"})

	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	assert.Equal(t, 3, store.appendCalls)
}

func TestExecuteConflictRetriesExhausted(t *testing.T) {
	store := &failingStore{
		Store:         openStore(t),
		conflictTimes: 100,
	}
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(&mockRetriever{}, gen, store)

	resp, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hello"})

	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedReasons, DegradedUnpersisted)
}

func TestExecuteThreadContinuity(t *testing.T) {
	store := openStore(t)
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(&mockRetriever{}, gen, store)

	first, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "first question"})
	require.NoError(t, err)

	req := &datatypes.QueryRequest{Query: "follow up", ThreadID: first.ThreadID}
	second, err := engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)

	// The second call saw the first turn as history.
	require.Len(t, gen.lastAsm.History, 2)
	assert.Equal(t, "first question", gen.lastAsm.History[0].Content)

	cp, err := store.Load(context.Background(), first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.Version)
	assert.Len(t, cp.Turns, 2)
}

func TestExecuteUnknownThreadIDStartsFresh(t *testing.T) {
	store := openStore(t)
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(&mockRetriever{}, gen, store)

	id := uuid.NewString()
	resp, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hi", ThreadID: id})

	require.NoError(t, err)
	assert.Equal(t, id, resp.ThreadID)
	assert.Empty(t, gen.lastAsm.History)
}

func TestExecuteTopKClamping(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		want      int
	}{
		{"default when unset", 0, 5},
		{"explicit value kept", 10, 10},
		{"clamped to max", 50, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ret := &mockRetriever{}
			gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
			engine := newEngine(ret, gen, openStore(t))

			req := &datatypes.QueryRequest{Query: "hi"}
			if tt.requested > 0 {
				req.TopK = tt.requested
			}
			_, err := engine.Execute(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ret.lastTopK)
		})
	}
}

func TestExecutePassesRequestedProviderOrder(t *testing.T) {
	gen := &mockGenerator{answer: goodAnswer(), provider: "ollama"}
	engine := newEngine(&mockRetriever{}, gen, openStore(t))

	_, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hi", Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ollama", "ollama"}, gen.lastOrder)

	_, err = engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openai", "ollama"}, gen.lastOrder)
}

func TestExecuteSourcesNeverNil(t *testing.T) {
	gen := &mockGenerator{
		answer:   datatypes.StructuredAnswer{Answer: "no sources", Confidence: 0.4},
		provider: "openai",
	}
	engine := newEngine(&mockRetriever{}, gen, openStore(t))

	resp, err := engine.Execute(context.Background(), &datatypes.QueryRequest{Query: "hi"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
}

func TestHistoryAndDelete(t *testing.T) {
	store := openStore(t)
	gen := &mockGenerator{answer: goodAnswer(), provider: "openai"}
	engine := newEngine(&mockRetriever{}, gen, store)
	ctx := context.Background()

	resp, err := engine.Execute(ctx, &datatypes.QueryRequest{Query: "q1"})
	require.NoError(t, err)
	_, err = engine.Execute(ctx, &datatypes.QueryRequest{Query: "q2", ThreadID: resp.ThreadID})
	require.NoError(t, err)

	hist, err := engine.History(ctx, resp.ThreadID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, hist.TotalTurns)
	require.Len(t, hist.Turns, 1)
	assert.Equal(t, "q2", hist.Turns[0].Query)

	require.NoError(t, engine.DeleteThread(ctx, resp.ThreadID))
	_, err = engine.History(ctx, resp.ThreadID, 0)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStats(t *testing.T) {
	engine := newEngine(&mockRetriever{}, &mockGenerator{answer: goodAnswer(), provider: "openai"}, openStore(t))
	ctx := context.Background()

	_, err := engine.Execute(ctx, &datatypes.QueryRequest{Query: "q1"})
	require.NoError(t, err)

	threads, turns, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, threads)
	assert.Equal(t, 1, turns)
}
