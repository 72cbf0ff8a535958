// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides the durable memory record store on BadgerDB.
//
// One JSON document is stored per run, keyed by run id. Writes carry an
// optimistic version check: the record's Version field must match the stored
// document's version or the write is rejected with ErrVersionConflict. This
// is the "at most one active mutator per run" guard — checkpoints always
// write the whole document, so without the check two interleaving jobs for
// the same run would silently lose updates.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
)

var (
	// ErrRecordNotFound is returned by Get when no record exists for the run.
	ErrRecordNotFound = errors.New("memory record not found")

	// ErrVersionConflict is returned by Put when the record's version does
	// not match the stored document. The caller must re-read and retry.
	ErrVersionConflict = errors.New("memory record version conflict")
)

const keyPrefix = "memory/"

// Config holds configuration for the record store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// Logger receives store-level log output. If nil, slog.Default is used.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for the given directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// Store persists memory records in BadgerDB.
//
// Thread Safety: safe for concurrent use; version checks run inside a single
// Badger transaction.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
}

// Open creates and opens a record store with the given configuration.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory when
//	InMemory is set. Creates the directory if it does not exist.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger store: path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("badger store: creating %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger store: opening database: %w", err)
	}

	s := &Store{db: db, logger: logger, stopGC: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

func (s *Store) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing
			// to collect; that is not a failure.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC failed", "error", err)
			}
		}
	}
}

func recordKey(runID string) []byte {
	return []byte(keyPrefix + runID)
}

// Get loads the memory record for runID.
//
// Outputs:
//
//	*datatypes.MemoryRecord - The decoded record.
//	error - ErrRecordNotFound when absent, or a decode/storage error.
func (s *Store) Get(ctx context.Context, runID string) (*datatypes.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec datatypes.MemoryRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("loading record %s: %w", runID, err)
	}
	return &rec, nil
}

// Put checkpoints the whole record.
//
// Description:
//
//	Verifies inside a single transaction that the stored document's version
//	matches rec.Version, then writes the record with the version advanced
//	by one. On success rec.Version is updated in place so the caller can
//	keep checkpointing the same instance.
//
// Outputs:
//
//	error - ErrVersionConflict on a stale version, or a storage error.
func (s *Store) Put(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("badger store: record with empty run id")
	}

	next := rec.Version + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(rec.RunID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First write for this run; any claimed version other than
			// zero is stale.
			if rec.Version != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			var stored struct {
				Version uint64 `json:"version"`
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			if stored.Version != rec.Version {
				return ErrVersionConflict
			}
		}

		rec.Version = next
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		return txn.Set(recordKey(rec.RunID), data)
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			rec.Version = next - 1
			return ErrVersionConflict
		}
		rec.Version = next - 1
		return fmt.Errorf("checkpointing record %s: %w", rec.RunID, err)
	}
	return nil
}

// Delete removes the record for runID. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(runID))
	})
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	close(s.stopGC)
	return s.db.Close()
}
