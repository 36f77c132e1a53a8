// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persistence provides the durable snapshot store consulted by
// the document session layer.
//
// The session store itself is purely in-memory and authoritative while a
// document is being edited. Persistence is an out-of-band collaborator:
// a snapshot is loaded once when a session is lazily created, and saved
// asynchronously when the last participant leaves. Nothing in the hot
// edit path touches this package.
//
// Backends:
//
//	memory — default; snapshots live and die with the process
//	badger — embedded on-disk store for single-node deployments
//	redis  — shared store when several services need the snapshots
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned by Load when no snapshot exists for
// the document id. A fresh session starts empty at version 0.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is the durable form of a document session: the last content
// and version observed when the session was torn down.
type Snapshot struct {
	DocumentID string    `json:"documentId"`
	Content    string    `json:"content"`
	Version    int64     `json:"version"`
	SavedAt    time.Time `json:"savedAt"`
}

// Store loads and saves document snapshots.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: saves fire from
// per-session teardown goroutines while loads run on join paths.
type Store interface {
	// Load returns the snapshot for a document id, or ErrSnapshotNotFound.
	Load(ctx context.Context, documentID string) (*Snapshot, error)

	// Save upserts the snapshot for snapshot.DocumentID.
	Save(ctx context.Context, snapshot Snapshot) error

	// Close releases backend resources. Safe to call once.
	Close() error
}
