// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workflow orchestrates one query through validation,
// retrieval, context assembly, generation, and persistence.
//
// The stage progression is linear: Validating -> Retrieving ->
// AssemblingContext -> Generating -> Persisting -> Completed, with
// Failed as the only other terminal state. Retrieval and persistence
// failures degrade the result instead of failing it; only validation
// and exhausted generation are fatal.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quayside-ai/quayside/services/engine/assembler"
	"github.com/quayside-ai/quayside/services/engine/checkpoint"
	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/engine/observability"
)

var tracer = otel.Tracer("quayside.engine.workflow")

// State names one stage of the query workflow.
type State string

const (
	StateValidating        State = "validating"
	StateRetrieving        State = "retrieving"
	StateAssemblingContext State = "assembling_context"
	StateGenerating        State = "generating"
	StatePersisting        State = "persisting"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Degraded completion reasons.
const (
	DegradedRetrievalUnavailable = "retrieval_unavailable"
	DegradedUnpersisted          = "unpersisted"
)

// ValidationError marks a request rejected before any work was done.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr)
}

// Retriever fetches ranked passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error)
}

// Generator produces a structured answer from assembled context.
type Generator interface {
	Generate(ctx context.Context, query string, asm assembler.Assembled, providerOrder []string) (datatypes.StructuredAnswer, string, error)
}

// Config tunes the workflow engine.
type Config struct {
	// TopKDefault applies when a request sets no top_k; TopKMax clamps
	// explicit values.
	TopKDefault int
	TopKMax     int

	// Assembler bounds context assembly.
	Assembler assembler.Config

	// AppendRetries bounds how many times a conflicted checkpoint
	// append is retried against a fresh load.
	AppendRetries int
}

// Engine wires the workflow stages together.
//
// # Thread Safety
//
// Engine is safe for concurrent use; each Execute call carries its own
// state.
type Engine struct {
	retriever     Retriever
	generator     Generator
	store         checkpoint.Store
	providerOrder func(requested string) []string
	cfg           Config
}

// NewEngine creates a workflow engine. providerOrder maps a requested
// provider name (possibly empty) to the ordered providers to try.
func NewEngine(retriever Retriever, generator Generator, store checkpoint.Store, providerOrder func(string) []string, cfg Config) *Engine {
	if cfg.TopKDefault <= 0 {
		cfg.TopKDefault = 5
	}
	if cfg.TopKMax <= 0 {
		cfg.TopKMax = 20
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 3
	}
	return &Engine{
		retriever:     retriever,
		generator:     generator,
		store:         store,
		providerOrder: providerOrder,
		cfg:           cfg,
	}
}

// Execute runs one query to a terminal state.
//
// # Description
//
// Fatal outcomes return an error: *ValidationError for rejected
// requests and the generation gateway's error when every provider
// failed. Retrieval and persistence failures are absorbed; the
// response then carries Degraded=true with the reasons.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - req: The query request. Mutated in place by validation defaults.
//
// # Outputs
//
//   - *datatypes.QueryResponse: The terminal response, nil on fatal error.
//   - error: Non-nil only for fatal outcomes.
func (e *Engine) Execute(ctx context.Context, req *datatypes.QueryRequest) (*datatypes.QueryResponse, error) {
	ctx, span := tracer.Start(ctx, "Engine.Execute")
	defer span.End()

	// ----- Validating -----
	start := time.Now()
	if err := req.Validate(); err != nil {
		observability.RecordQuery(string(StateFailed), "")
		valErr := &ValidationError{Err: err}
		span.RecordError(valErr)
		span.SetStatus(codes.Error, valErr.Error())
		return nil, valErr
	}
	newThread := req.EnsureDefaults()
	topK := e.clampTopK(req.TopK)
	observability.RecordStageDuration(string(StateValidating), time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("thread.id", req.ThreadID),
		attribute.Bool("thread.new", newThread),
		attribute.Int("retrieval.top_k", topK),
	)

	logger := slog.With("thread_id", req.ThreadID)

	// Prior history comes from the checkpoint. A read failure is not
	// fatal: the query proceeds without history and persistence gets
	// its own chance later.
	var baseVersion uint64
	var priorTurns []datatypes.Turn
	if !newThread {
		cp, err := e.store.Load(ctx, req.ThreadID)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			// Unknown thread id starts a fresh thread under that id.
		case err != nil:
			logger.Warn("Checkpoint load failed, continuing without history", "error", err)
		default:
			baseVersion = cp.Version
			priorTurns = cp.Turns
		}
	}

	var degradedReasons []string

	// ----- Retrieving -----
	start = time.Now()
	passages, err := e.retriever.Retrieve(ctx, req.Query, topK)
	if err != nil {
		logger.Warn("Retrieval unavailable, continuing without passages", "error", err)
		observability.RecordDegraded(DegradedRetrievalUnavailable)
		degradedReasons = append(degradedReasons, DegradedRetrievalUnavailable)
		passages = nil
	}
	observability.RecordStageDuration(string(StateRetrieving), time.Since(start).Seconds())

	// ----- AssemblingContext -----
	start = time.Now()
	asm := assembler.Assemble(passages, priorTurns, e.cfg.Assembler)
	observability.RecordStageDuration(string(StateAssemblingContext), time.Since(start).Seconds())

	// ----- Generating -----
	start = time.Now()
	answer, providerUsed, err := e.generator.Generate(ctx, req.Query, asm, e.providerOrder(req.Provider))
	observability.RecordStageDuration(string(StateGenerating), time.Since(start).Seconds())
	if err != nil {
		logger.Error("Generation failed on all providers", "error", err)
		observability.RecordQuery(string(StateFailed), "")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	observability.RecordAnswerConfidence(answer.Confidence)

	// ----- Persisting -----
	start = time.Now()
	turn := datatypes.NewTurn(req.Query, retrievedRefs(passages), answer, providerUsed)
	if err := e.persist(ctx, req.ThreadID, baseVersion, turn, logger); err != nil {
		logger.Warn("Checkpoint append failed, returning unpersisted result", "error", err)
		observability.RecordDegraded(DegradedUnpersisted)
		degradedReasons = append(degradedReasons, DegradedUnpersisted)
	}
	observability.RecordStageDuration(string(StatePersisting), time.Since(start).Seconds())

	// ----- Completed -----
	status := string(StateCompleted)
	if len(degradedReasons) > 0 {
		status = "degraded"
	}
	observability.RecordQuery(status, providerUsed)
	logger.Info("Query completed", "status", status, "provider", providerUsed,
		"confidence", answer.Confidence)

	return &datatypes.QueryResponse{
		Query:           req.Query,
		Answer:          answer.Answer,
		Confidence:      answer.Confidence,
		Sources:         sourcesOrEmpty(answer.Sources),
		ThreadID:        req.ThreadID,
		ProviderUsed:    providerUsed,
		Timestamp:       turn.CreatedAt,
		Degraded:        len(degradedReasons) > 0,
		DegradedReasons: degradedReasons,
	}, nil
}

// persist appends the turn, reloading and retrying on version conflicts.
func (e *Engine) persist(ctx context.Context, threadID string, baseVersion uint64, turn datatypes.Turn, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.AppendRetries; attempt++ {
		_, err := e.store.Append(ctx, threadID, baseVersion, turn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, checkpoint.ErrConflict) {
			return err
		}

		observability.RecordCheckpointConflict()
		logger.Debug("Checkpoint append conflict, reloading", "attempt", attempt+1)
		cp, loadErr := e.store.Load(ctx, threadID)
		switch {
		case errors.Is(loadErr, checkpoint.ErrNotFound):
			baseVersion = 0
		case loadErr != nil:
			return loadErr
		default:
			baseVersion = cp.Version
		}
	}
	return lastErr
}

// History returns a thread's turns oldest first.
func (e *Engine) History(ctx context.Context, threadID string, limit int) (*datatypes.HistoryResponse, error) {
	turns, total, err := e.store.History(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	return &datatypes.HistoryResponse{
		ThreadID:   threadID,
		Turns:      turns,
		TotalTurns: total,
	}, nil
}

// DeleteThread removes a thread and its history.
func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	return e.store.Delete(ctx, threadID)
}

// Stats reports stored thread and turn counts.
func (e *Engine) Stats(ctx context.Context) (threads int, turns int, err error) {
	return e.store.Stats(ctx)
}

func (e *Engine) clampTopK(requested int) int {
	if requested <= 0 {
		return e.cfg.TopKDefault
	}
	if requested > e.cfg.TopKMax {
		return e.cfg.TopKMax
	}
	return requested
}

func retrievedRefs(passages []datatypes.RetrievedPassage) []datatypes.SourceRef {
	if len(passages) == 0 {
		return nil
	}
	refs := make([]datatypes.SourceRef, 0, len(passages))
	for _, p := range passages {
		refs = append(refs, datatypes.SourceRef{
			SourceIdentifier: p.SourceIdentifier,
			Locator:          p.Locator,
			Score:            p.SimilarityScore,
		})
	}
	return refs
}

func sourcesOrEmpty(sources []datatypes.SourceRef) []datatypes.SourceRef {
	if sources == nil {
		return []datatypes.SourceRef{}
	}
	return sources
}
