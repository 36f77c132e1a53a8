// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the Store behaviors every backend must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "doc-missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	snapshot := Snapshot{
		DocumentID: "doc1",
		Content:    "hello collaborative world",
		Version:    7,
		SavedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Save(ctx, snapshot))

	loaded, err := store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, snapshot.Content, loaded.Content)
	assert.Equal(t, snapshot.Version, loaded.Version)

	// Save is an upsert: a later snapshot replaces the earlier one.
	snapshot.Content = "hello again"
	snapshot.Version = 9
	require.NoError(t, store.Save(ctx, snapshot))

	loaded, err = store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "hello again", loaded.Content)
	assert.Equal(t, int64(9), loaded.Version)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	storeContract(t, store)
}

func TestBadgerStore_InMemory(t *testing.T) {
	store, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	storeContract(t, store)
}

func TestBadgerStore_Persistent(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Snapshot{DocumentID: "doc1", Content: "persisted", Version: 3}))
	require.NoError(t, store.Close())

	// Reopen: the snapshot survives the restart.
	store, err = NewBadgerStore(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", loaded.Content)
	assert.Equal(t, int64(3), loaded.Version)
}

func TestNewBadgerStore_MissingPath(t *testing.T) {
	_, err := NewBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}
