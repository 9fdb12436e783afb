// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package checkpoint persists conversation threads as versioned,
// append-only turn histories.
//
// Each thread is a single record holding its full Turn history plus a
// monotonically increasing version counter. Writers append against the
// version they loaded; a stale base version is rejected with
// ErrConflict so that concurrent writers to the same thread cannot
// silently drop each other's turns.
package checkpoint

import (
	"context"
	"errors"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
)

var (
	// ErrNotFound indicates the thread has no checkpoint record.
	ErrNotFound = errors.New("checkpoint: thread not found")

	// ErrConflict indicates an append raced a concurrent writer: the
	// caller's base version no longer matches the stored version.
	// Callers should reload and retry.
	ErrConflict = errors.New("checkpoint: concurrent write conflict")
)

// Checkpoint is the durable snapshot of one conversation thread.
// Version starts at 1 on the first append and increases by exactly one
// per appended turn. Timestamps are Unix milliseconds UTC.
type Checkpoint struct {
	ThreadID  string           `json:"thread_id"`
	Version   uint64           `json:"version"`
	Turns     []datatypes.Turn `json:"turns"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// Store is the persistence contract for conversation threads.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Load returns the current checkpoint for a thread, or ErrNotFound.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)

	// Append atomically adds one turn to a thread. baseVersion must
	// equal the stored version (0 for a thread that does not exist
	// yet); otherwise ErrConflict is returned and nothing is written.
	// On success the updated checkpoint is returned.
	Append(ctx context.Context, threadID string, baseVersion uint64, turn datatypes.Turn) (*Checkpoint, error)

	// History returns a thread's turns oldest first, along with the
	// total turn count. A positive limit keeps only the most recent
	// turns (still oldest first); limit <= 0 returns everything.
	History(ctx context.Context, threadID string, limit int) ([]datatypes.Turn, int, error)

	// Delete removes a thread and its history. Deleting an unknown
	// thread returns ErrNotFound.
	Delete(ctx context.Context, threadID string) error

	// Stats returns the number of stored threads and total turns.
	Stats(ctx context.Context) (threads int, turns int, err error)

	// Close releases the underlying storage.
	Close() error
}
