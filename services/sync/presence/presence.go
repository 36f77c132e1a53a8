// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package presence tracks which document each authenticated user is
// viewing and their last-known cursor position.
//
// Presence is advisory UI state, not content correctness: updates are
// last-writer-wins and staleness is tolerated. A record exists only
// while the user has an open, joined connection; it is cleared
// atomically with document-leave.
package presence

import (
	"sync"
	"time"
)

// Record is one user's current presence.
type Record struct {
	UserID       string    `json:"userId"`
	DocumentID   string    `json:"documentId"`
	LastActivity time.Time `json:"lastActivity"`

	// Cursor is nil until the first cursor_move arrives.
	Cursor *int `json:"cursor,omitempty"`
}

// Tracker is a concurrency-safe presence map keyed by user id.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker creates an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// Set binds the user to a document, resetting any previous cursor. The
// cursor from a prior document would be meaningless in the new one.
func (t *Tracker) Set(userID, documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[userID] = &Record{
		UserID:       userID,
		DocumentID:   documentID,
		LastActivity: time.Now(),
	}
}

// UpdateCursor records the user's cursor position, last writer wins.
// A cursor update for a user with no presence record is dropped: the
// user already left, and resurrecting the record would violate the
// record-exists-only-while-joined invariant.
func (t *Tracker) UpdateCursor(userID string, position int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[userID]
	if !ok {
		return
	}
	pos := position
	record.Cursor = &pos
	record.LastActivity = time.Now()
}

// Clear removes the user's presence record. No-op if absent.
func (t *Tracker) Clear(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, userID)
}

// Get returns a copy of the user's presence record, or nil.
func (t *Tracker) Get(userID string) *Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.records[userID]
	if !ok {
		return nil
	}
	clone := *record
	if record.Cursor != nil {
		cursor := *record.Cursor
		clone.Cursor = &cursor
	}
	return &clone
}

// All returns a copy of every presence record, for the admin surface.
func (t *Tracker) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	records := make([]Record, 0, len(t.records))
	for _, record := range t.records {
		clone := *record
		if record.Cursor != nil {
			cursor := *record.Cursor
			clone.Cursor = &cursor
		}
		records = append(records, clone)
	}
	return records
}
