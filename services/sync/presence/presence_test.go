// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_SetAndGet(t *testing.T) {
	tracker := NewTracker()
	tracker.Set("alice", "doc1")

	record := tracker.Get("alice")
	require.NotNil(t, record)
	assert.Equal(t, "alice", record.UserID)
	assert.Equal(t, "doc1", record.DocumentID)
	assert.Nil(t, record.Cursor)
	assert.False(t, record.LastActivity.IsZero())

	assert.Nil(t, tracker.Get("bob"))
}

func TestTracker_CursorLastWriterWins(t *testing.T) {
	tracker := NewTracker()
	tracker.Set("alice", "doc1")

	tracker.UpdateCursor("alice", 5)
	tracker.UpdateCursor("alice", 12)

	record := tracker.Get("alice")
	require.NotNil(t, record)
	require.NotNil(t, record.Cursor)
	assert.Equal(t, 12, *record.Cursor)
}

func TestTracker_CursorForUnknownUserDropped(t *testing.T) {
	tracker := NewTracker()
	tracker.UpdateCursor("ghost", 3)
	assert.Nil(t, tracker.Get("ghost"))
}

func TestTracker_RejoinResetsCursor(t *testing.T) {
	tracker := NewTracker()
	tracker.Set("alice", "doc1")
	tracker.UpdateCursor("alice", 8)

	// Moving to another document discards the stale cursor.
	tracker.Set("alice", "doc2")

	record := tracker.Get("alice")
	require.NotNil(t, record)
	assert.Equal(t, "doc2", record.DocumentID)
	assert.Nil(t, record.Cursor)
}

func TestTracker_Clear(t *testing.T) {
	tracker := NewTracker()
	tracker.Set("alice", "doc1")
	tracker.Clear("alice")
	assert.Nil(t, tracker.Get("alice"))

	// Clearing an absent record is a no-op.
	tracker.Clear("alice")
}

func TestTracker_All(t *testing.T) {
	tracker := NewTracker()
	tracker.Set("alice", "doc1")
	tracker.Set("bob", "doc2")

	records := tracker.All()
	assert.Len(t, records, 2)

	users := map[string]string{}
	for _, r := range records {
		users[r.UserID] = r.DocumentID
	}
	assert.Equal(t, map[string]string{"alice": "doc1", "bob": "doc2"}, users)
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tracker := NewTracker()
	tracker.Set("alice", "doc1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(pos int) {
			defer wg.Done()
			tracker.UpdateCursor("alice", pos)
		}(i)
		go func() {
			defer wg.Done()
			_ = tracker.Get("alice")
		}()
	}
	wg.Wait()

	record := tracker.Get("alice")
	require.NotNil(t, record)
	require.NotNil(t, record.Cursor)
	assert.GreaterOrEqual(t, *record.Cursor, 0)
	assert.Less(t, *record.Cursor, 50)
}
