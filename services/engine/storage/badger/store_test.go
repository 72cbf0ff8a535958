// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
)

// TestGetMissingRecord verifies absent runs report ErrRecordNotFound.
func TestGetMissingRecord(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

// TestPutGetRoundTrip verifies a record survives a write/read cycle and that
// the store advances the version stamp on every checkpoint.
func TestPutGetRoundTrip(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := datatypes.NewMemoryRecord("run-1", "how to reduce food waste")

	require.NoError(t, store.Put(ctx, rec))
	assert.Equal(t, uint64(1), rec.Version)

	loaded, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, datatypes.StageCreateSubProblems, loaded.CurrentStage)
	assert.Equal(t, "how to reduce food waste", loaded.ProblemStatement.Description)
	assert.Len(t, loaded.Stages, len(datatypes.StageOrder))
	assert.Equal(t, uint64(1), loaded.Version)

	loaded.CurrentStage = datatypes.StageRankSubProblems
	require.NoError(t, store.Put(ctx, loaded))
	assert.Equal(t, uint64(2), loaded.Version)
}

// TestPutVersionConflict verifies a stale writer is rejected rather than
// clobbering a newer document.
func TestPutVersionConflict(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := datatypes.NewMemoryRecord("run-1", "problem")
	require.NoError(t, store.Put(ctx, rec))

	// Simulate a second job that loaded the same version and won the race.
	other, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, other))

	// The first holder is now stale.
	err = store.Put(ctx, rec)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, uint64(1), rec.Version, "failed write must not advance the local version")

	// Re-read and retry succeeds.
	fresh, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, fresh))
}

// TestPutFirstWriteRequiresZeroVersion verifies a claimed non-zero version on
// a missing document is treated as stale.
func TestPutFirstWriteRequiresZeroVersion(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	rec := datatypes.NewMemoryRecord("run-1", "problem")
	rec.Version = 7
	err = store.Put(context.Background(), rec)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

// TestDelete verifies deletion is idempotent.
func TestDelete(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := datatypes.NewMemoryRecord("run-1", "problem")
	require.NoError(t, store.Put(ctx, rec))

	require.NoError(t, store.Delete(ctx, "run-1"))
	require.NoError(t, store.Delete(ctx, "run-1"))

	_, err = store.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
