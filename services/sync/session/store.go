// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session holds the in-memory authoritative state for every
// actively-edited document: participant set, content, and the monotonic
// version counter.
//
// # Lifecycle
//
// A session is created lazily on the first join for a document id and
// destroyed immediately when the last participant leaves. There are no
// other states: Absent -> Active -> Absent. Destruction fires an
// out-of-band asynchronous snapshot save; nothing in the edit path
// performs I/O.
//
// # Concurrency
//
// ApplyChange is the critical section. Each session carries its own
// mutex so two changes to the same document never interleave their
// read-modify-write of content and version, while changes to different
// documents proceed fully in parallel. Membership changes additionally
// take the store-wide lock because they mutate the session map itself.
// Lock order is always store.mu before session.mu.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quillside/QuillSync/services/sync/datatypes"
	"github.com/quillside/QuillSync/services/sync/persistence"
)

// saveTimeout bounds the out-of-band snapshot save on session teardown.
const saveTimeout = 10 * time.Second

// View is the full snapshot a client bootstraps from on join or an
// explicit state request.
type View struct {
	DocumentID   string   `json:"documentId"`
	Content      string   `json:"content"`
	Version      int64    `json:"version"`
	Participants []string `json:"participants"`
}

// Info is the admin-surface summary of an active session.
type Info struct {
	DocumentID   string    `json:"documentId"`
	Participants []string  `json:"participants"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// Result is the outcome of one applied change.
type Result struct {
	Content  string
	Version  int64
	Merged   bool
	Conflict *datatypes.ConflictDescriptor
}

// docSession is one active document's authoritative state. participants
// maps user id to join count, so a user with two connections on the
// same document stays a participant until both leave.
type docSession struct {
	mu           sync.Mutex
	documentID   string
	content      string
	version      int64
	participants map[string]int
	lastModified time.Time
	destroyed    bool
}

func (s *docSession) participantList() []string {
	users := make([]string, 0, len(s.participants))
	for user := range s.participants {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

func (s *docSession) view() View {
	return View{
		DocumentID:   s.documentID,
		Content:      s.content,
		Version:      s.version,
		Participants: s.participantList(),
	}
}

// Store owns every active document session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*docSession
	persist  persistence.Store
}

// NewStore creates an empty session store. persist provides the lazy
// snapshot load on session creation and the out-of-band save on
// teardown; it must not be nil (use persistence.NewMemoryStore()).
func NewStore(persist persistence.Store) *Store {
	return &Store{
		sessions: make(map[string]*docSession),
		persist:  persist,
	}
}

// Join attaches the user to the document session, creating it if
// absent, and returns the snapshot for client bootstrap.
//
// The snapshot load for a new session happens before the store lock is
// taken: backends may do network I/O, and only the winning creator's
// loaded content is used.
func (st *Store) Join(ctx context.Context, documentID, userID string) (View, error) {
	var content string
	var version int64
	if snapshot, err := st.persist.Load(ctx, documentID); err == nil {
		content = snapshot.Content
		version = snapshot.Version
	} else if !errors.Is(err, persistence.ErrSnapshotNotFound) {
		// A failed load degrades to a fresh document; durable content
		// still lives in the external document service.
		slog.Warn("Snapshot load failed, starting empty session",
			"documentId", documentID, "error", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[documentID]
	if !ok {
		sess = &docSession{
			documentID:   documentID,
			content:      content,
			version:      version,
			participants: make(map[string]int),
			lastModified: time.Now(),
		}
		st.sessions[documentID] = sess
		slog.Info("Document session created",
			"documentId", documentID, "version", version)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.participants[userID]++
	return sess.view(), nil
}

// Leave detaches the user from the session. When the participant set
// becomes empty the session is destroyed and its final state saved out
// of band. Unknown document or user is a no-op (already torn down).
func (st *Store) Leave(documentID, userID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[documentID]
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	count, ok := sess.participants[userID]
	if !ok {
		return
	}
	if count > 1 {
		sess.participants[userID] = count - 1
		return
	}
	delete(sess.participants, userID)

	if len(sess.participants) > 0 {
		return
	}

	delete(st.sessions, documentID)
	sess.destroyed = true
	slog.Info("Document session destroyed",
		"documentId", documentID, "version", sess.version)

	snapshot := persistence.Snapshot{
		DocumentID: documentID,
		Content:    sess.content,
		Version:    sess.version,
		SavedAt:    time.Now(),
	}
	go st.saveSnapshot(snapshot)
}

func (st *Store) saveSnapshot(snapshot persistence.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := st.persist.Save(ctx, snapshot); err != nil {
		slog.Error("Out-of-band snapshot save failed",
			"documentId", snapshot.DocumentID, "error", err)
	}
}

// ApplyChange is the core state transition.
//
// # Description
//
// If baseVersion matches the current version the change is spliced
// directly; otherwise the conflict resolver merges it. Either way the
// version increments by exactly one per successful apply, regardless of
// how many versions the incoming change was behind.
//
// # Outputs
//
//   - Result: New content, new version, merge flag, and descriptor.
//   - error: datatypes.ErrDocumentNotFound when no session exists for
//     the id (the caller must have joined first).
func (st *Store) ApplyChange(documentID string, change datatypes.ChangeRange, baseVersion int64) (Result, error) {
	st.mu.RLock()
	sess, ok := st.sessions[documentID]
	st.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("no active session for %s: %w",
			documentID, datatypes.ErrDocumentNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.destroyed {
		return Result{}, fmt.Errorf("no active session for %s: %w",
			documentID, datatypes.ErrDocumentNotFound)
	}

	outcome := Resolve(sess.content, change, sess.version, baseVersion)
	sess.content = outcome.ResolvedContent
	sess.version++
	sess.lastModified = time.Now()

	return Result{
		Content:  sess.content,
		Version:  sess.version,
		Merged:   outcome.HasConflict,
		Conflict: outcome.Conflict,
	}, nil
}

// Snapshot returns the current view of an active session.
func (st *Store) Snapshot(documentID string) (View, error) {
	st.mu.RLock()
	sess, ok := st.sessions[documentID]
	st.mu.RUnlock()
	if !ok {
		return View{}, fmt.Errorf("no active session for %s: %w",
			documentID, datatypes.ErrDocumentNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

// Sessions returns a summary of every active session, for the admin
// surface. Order is not significant.
func (st *Store) Sessions() []Info {
	st.mu.RLock()
	defer st.mu.RUnlock()

	infos := make([]Info, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sess.mu.Lock()
		infos = append(infos, Info{
			DocumentID:   sess.documentID,
			Participants: sess.participantList(),
			Version:      sess.version,
			LastModified: sess.lastModified,
		})
		sess.mu.Unlock()
	}
	return infos
}

// Active reports whether a session exists for the document id.
func (st *Store) Active(documentID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.sessions[documentID]
	return ok
}
