// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
)

const threadKeyPrefix = "thread/"

// Config holds configuration for the BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5 (GC when 50% of value log is garbage).
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// threadRecord is the on-disk JSON layout of a Checkpoint.
type threadRecord struct {
	ThreadID  string           `json:"thread_id"`
	Version   uint64           `json:"version"`
	Turns     []datatypes.Turn `json:"turns"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// BadgerStore implements Store on an embedded BadgerDB instance.
//
// One record per thread keyed "thread/<id>". Version checks happen
// inside a read-write transaction; Badger's own transaction conflict
// detection covers the window between our read and commit, so a raced
// commit also surfaces as ErrConflict.
type BadgerStore struct {
	db *badger.DB

	gcStop chan struct{}
	gcDone chan struct{}
	logger *slog.Logger
}

// Open creates and opens a BadgerDB-backed checkpoint store.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true. Creates the directory if it doesn't exist, and
//	starts a value log GC loop when GCInterval is positive.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or database cannot be opened.
//
// Thread Safety: The returned store is safe for concurrent use.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil) // Disable BadgerDB's internal logging
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	store := &BadgerStore{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		store.gcStop = make(chan struct{})
		store.gcDone = make(chan struct{})
		go store.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return store, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when no GC was needed
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func threadKey(threadID string) []byte {
	return []byte(threadKeyPrefix + threadID)
}

func getRecord(txn *badger.Txn, threadID string) (*threadRecord, error) {
	item, err := txn.Get(threadKey(threadID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read thread %s: %w", threadID, err)
	}
	var rec threadRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	return &rec, nil
}

func (r *threadRecord) checkpoint() *Checkpoint {
	turns := make([]datatypes.Turn, len(r.Turns))
	copy(turns, r.Turns)
	return &Checkpoint{
		ThreadID:  r.ThreadID,
		Version:   r.Version,
		Turns:     turns,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Load returns the current checkpoint for a thread.
func (s *BadgerStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var cp *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, threadID)
		if err != nil {
			return err
		}
		cp = rec.checkpoint()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Append atomically adds one turn to a thread.
//
// Description:
//
//	Re-reads the thread inside a read-write transaction and compares
//	its version to baseVersion. A mismatch means a concurrent writer
//	got there first and the append is rejected with ErrConflict. A
//	baseVersion of 0 against a missing thread creates it.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	threadID - Thread to append to.
//	baseVersion - Version the caller last observed (0 for new threads).
//	turn - The completed exchange to persist.
//
// Outputs:
//
//	*Checkpoint - The thread state after the append.
//	error - ErrConflict on a stale base version, otherwise storage errors.
func (s *BadgerStore) Append(ctx context.Context, threadID string, baseVersion uint64, turn datatypes.Turn) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	now := time.Now().UnixMilli()

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	rec, err := getRecord(txn, threadID)
	switch {
	case errors.Is(err, ErrNotFound):
		if baseVersion != 0 {
			return nil, ErrConflict
		}
		rec = &threadRecord{ThreadID: threadID, CreatedAt: now}
	case err != nil:
		return nil, err
	default:
		if rec.Version != baseVersion {
			return nil, ErrConflict
		}
	}

	rec.Version++
	rec.Turns = append(rec.Turns, turn)
	rec.UpdatedAt = now

	val, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode thread %s: %w", threadID, err)
	}
	if err := txn.Set(threadKey(threadID), val); err != nil {
		return nil, fmt.Errorf("write thread %s: %w", threadID, err)
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("commit thread %s: %w", threadID, err)
	}

	return rec.checkpoint(), nil
}

// History returns a thread's turns oldest first plus the total count.
func (s *BadgerStore) History(ctx context.Context, threadID string, limit int) ([]datatypes.Turn, int, error) {
	cp, err := s.Load(ctx, threadID)
	if err != nil {
		return nil, 0, err
	}
	total := len(cp.Turns)
	turns := cp.Turns
	if limit > 0 && limit < total {
		turns = turns[total-limit:]
	}
	return turns, total, nil
}

// Delete removes a thread and its history.
func (s *BadgerStore) Delete(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, threadID); err != nil {
			return err
		}
		if err := txn.Delete(threadKey(threadID)); err != nil {
			return fmt.Errorf("delete thread %s: %w", threadID, err)
		}
		return nil
	})
}

// Stats returns the number of stored threads and total turns.
func (s *BadgerStore) Stats(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("context cancelled: %w", err)
	}

	var threads, turns int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(threadKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			threads++
			var rec threadRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			turns += len(rec.Turns)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return threads, turns, nil
}
