// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared across the engine.
//
// This file contains the conversation data model: passages coming out
// of retrieval, the structured answer coming out of generation, and
// the immutable Turn record persisted per exchange. Request/response
// wire types live in query.go.
package datatypes

import "time"

// =============================================================================
// Retrieval Types
// =============================================================================

// RetrievedPassage is one scored excerpt returned by the similarity
// search backend. Passages are ephemeral: produced per query, referenced
// by the Turn record, never persisted on their own.
//
// SimilarityScore is always in [0,1] (Weaviate certainty). Locator is a
// human-meaningful position within the source, e.g. "page:12" or
// "offset:4096". ChunkIndex is the chunk's ordinal within its source.
type RetrievedPassage struct {
	Content          string  `json:"content"`
	SimilarityScore  float64 `json:"similarity_score"`
	SourceIdentifier string  `json:"source_identifier"`
	Locator          string  `json:"locator"`
	ChunkIndex       int     `json:"chunk_index"`
}

// DedupeKey identifies the source position a passage refers to.
// Passages sharing a key are duplicates; retrieval keeps the highest
// scored one.
func (p RetrievedPassage) DedupeKey() string {
	return p.SourceIdentifier + "\x00" + p.Locator
}

// =============================================================================
// Answer Types
// =============================================================================

// SourceRef is an attributed source in a final answer. Content is
// capped by the workflow before it reaches the wire (long passages are
// truncated for response size, not for generation).
type SourceRef struct {
	Content          string  `json:"content"`
	SourceIdentifier string  `json:"source_identifier"`
	Locator          string  `json:"locator,omitempty"`
	Score            float64 `json:"score"`
}

// StructuredAnswer is the generation gateway's output: the answer text,
// a blended confidence in [0,1], and the ordered sources actually used
// for grounding. Immutable once produced.
type StructuredAnswer struct {
	Answer     string      `json:"answer"`
	Confidence float64     `json:"confidence"`
	Sources    []SourceRef `json:"sources"`
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one query/answer exchange within a thread. Turns are
// append-only: written once by the persisting stage and never edited.
//
// RetrievedRefs records everything retrieval returned (post-dedupe),
// while Sources lists only the passages that survived context
// truncation and back the answer. CreatedAt is Unix milliseconds UTC.
type Turn struct {
	Query         string      `json:"query"`
	RetrievedRefs []SourceRef `json:"retrieved_refs,omitempty"`
	Answer        string      `json:"answer"`
	Confidence    float64     `json:"confidence"`
	Sources       []SourceRef `json:"sources,omitempty"`
	ProviderUsed  string      `json:"provider_used"`
	CreatedAt     int64       `json:"created_at"`
}

// NewTurn builds a Turn from the workflow's results, stamping the
// creation time.
func NewTurn(query string, retrieved []SourceRef, answer StructuredAnswer, provider string) Turn {
	return Turn{
		Query:         query,
		RetrievedRefs: retrieved,
		Answer:        answer.Answer,
		Confidence:    answer.Confidence,
		Sources:       answer.Sources,
		ProviderUsed:  provider,
		CreatedAt:     time.Now().UnixMilli(),
	}
}
