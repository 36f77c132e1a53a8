// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package broadcast fans messages out to every connection bound to a
// document, optionally excluding the originator.
package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/quillside/QuillSync/services/sync/registry"
)

// OverflowFunc is invoked when a recipient's outbound queue is full.
// The dispatcher wires this to the normal disconnect path so a slow
// consumer is torn down instead of blocking the fanout.
type OverflowFunc func(conn *registry.Connection)

// Router delivers document-scoped events.
type Router struct {
	registry   *registry.Registry
	onOverflow OverflowFunc
}

// NewRouter creates a router over the connection registry. onOverflow
// may be nil; overflowing recipients are then only logged.
func NewRouter(reg *registry.Registry, onOverflow OverflowFunc) *Router {
	return &Router{registry: reg, onOverflow: onOverflow}
}

// Broadcast marshals the event once and enqueues it to every connection
// bound to the document, skipping connections whose authenticated user
// is excludeUserID ("" excludes nobody). Returns the number of
// connections the message was enqueued to.
//
// Delivery is queued, never synchronous: a recipient whose queue is
// full is handed to the overflow callback and does not slow the others.
func (r *Router) Broadcast(documentID string, event any, excludeUserID string) int {
	raw, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to encode broadcast event",
			"documentId", documentID, "error", err)
		return 0
	}

	delivered := 0
	for _, conn := range r.registry.ForDocument(documentID) {
		if excludeUserID != "" {
			if userID, ok := conn.Identity(); ok && userID == excludeUserID {
				continue
			}
		}

		if err := conn.SendRaw(raw); err != nil {
			if errors.Is(err, registry.ErrSendQueueFull) {
				slog.Warn("Recipient queue overflow during broadcast",
					"connectionId", conn.ID, "documentId", documentID)
				if r.onOverflow != nil {
					r.onOverflow(conn)
				}
				continue
			}
			slog.Warn("Broadcast delivery failed",
				"connectionId", conn.ID, "documentId", documentID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
