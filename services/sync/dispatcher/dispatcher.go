// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatcher routes decoded inbound events to the session,
// presence, and broadcast layers.
//
// # Description
//
// The dispatcher is the single entry point for client messages after
// the transport layer reads them off the wire. It enforces the message
// ordering contract (per-connection messages are handled in arrival
// order because the read loop calls HandleMessage serially), the
// authentication gate, the per-connection rate limit, and the
// join-before-edit membership check.
//
// # Error Handling
//
// A failed message never terminates the connection. The originating
// connection receives a targeted error event and the channel stays
// open. The only paths that tear a connection down are transport
// errors, liveness eviction, queue overflow, and the admin kick, all of
// which converge on Disconnect.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quillside/QuillSync/services/sync/auth"
	"github.com/quillside/QuillSync/services/sync/broadcast"
	"github.com/quillside/QuillSync/services/sync/datatypes"
	"github.com/quillside/QuillSync/services/sync/observability"
	"github.com/quillside/QuillSync/services/sync/presence"
	"github.com/quillside/QuillSync/services/sync/registry"
	"github.com/quillside/QuillSync/services/sync/session"
)

// Config wires the dispatcher's collaborators.
type Config struct {
	Registry *registry.Registry
	Presence *presence.Tracker
	Sessions *session.Store
	Verifier auth.TokenVerifier

	// Metrics may be nil; instrumentation is then skipped.
	Metrics *observability.SyncMetrics

	// RateLimit is the sustained per-connection inbound message rate in
	// messages per second. Zero disables rate limiting.
	RateLimit rate.Limit

	// RateBurst is the per-connection burst allowance. Ignored when
	// RateLimit is zero.
	RateBurst int
}

// Dispatcher routes inbound events and owns the disconnect cascade.
type Dispatcher struct {
	registry *registry.Registry
	presence *presence.Tracker
	sessions *session.Store
	router   *broadcast.Router
	verifier auth.TokenVerifier
	metrics  *observability.SyncMetrics

	rateLimit rate.Limit
	rateBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a dispatcher. The broadcast router is built here so its
// overflow callback can feed back into the disconnect cascade.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}
	if cfg.Presence == nil {
		return nil, fmt.Errorf("presence tracker must not be nil")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store must not be nil")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("token verifier must not be nil")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	d := &Dispatcher{
		registry:  cfg.Registry,
		presence:  cfg.Presence,
		sessions:  cfg.Sessions,
		verifier:  cfg.Verifier,
		metrics:   cfg.Metrics,
		rateLimit: cfg.RateLimit,
		rateBurst: cfg.RateBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
	d.router = broadcast.NewRouter(cfg.Registry, func(conn *registry.Connection) {
		d.Disconnect(conn, observability.ReasonOverflow)
	})
	return d, nil
}

// Router exposes the broadcast router so the admin surface can fan out
// service notices.
func (d *Dispatcher) Router() *broadcast.Router {
	return d.router
}

// =============================================================================
// Message Entry Point
// =============================================================================

// HandleMessage processes one raw inbound message from a connection.
//
// The caller (the read loop) invokes this serially per connection, which
// is what guarantees in-order handling. Any failure is reported to the
// originating connection as a targeted error event; HandleMessage never
// closes the connection itself.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn *registry.Connection, raw []byte) {
	// Any inbound traffic proves liveness, valid or not.
	conn.Touch()

	if !d.allow(conn.ID) {
		if d.metrics != nil {
			d.metrics.RateLimitedTotal.Inc()
		}
		d.sendError(conn, datatypes.ErrRateLimited)
		return
	}

	ev, err := datatypes.DecodeInbound(raw)
	if err != nil {
		if errors.Is(err, datatypes.ErrUnknownEventType) {
			// Forward compatibility: unknown types are logged and
			// ignored so old servers tolerate new clients.
			slog.Debug("Ignoring unknown event type",
				"connectionId", conn.ID, "error", err)
			return
		}
		d.sendError(conn, err)
		return
	}

	if d.metrics != nil {
		d.metrics.RecordInbound(string(ev.Type))
	}

	if ev.Type == datatypes.EventAuthenticate {
		d.handleAuthenticate(ctx, conn, ev.Authenticate)
		return
	}

	userID, ok := conn.Identity()
	if !ok {
		d.sendError(conn, datatypes.ErrUnauthenticated)
		return
	}

	switch ev.Type {
	case datatypes.EventJoinDocument:
		d.handleJoin(ctx, conn, userID, ev.Join)
	case datatypes.EventLeaveDocument:
		d.handleLeave(conn, userID, ev.Leave)
	case datatypes.EventDocumentChange:
		d.handleChange(conn, userID, ev.Change)
	case datatypes.EventCursorMove:
		d.handleCursor(conn, userID, ev.Cursor)
	case datatypes.EventUserTyping:
		d.handleTyping(conn, userID, ev.Typing)
	case datatypes.EventRequestDocumentState:
		d.handleStateRequest(conn, ev.StateRequest)
	}
}

// =============================================================================
// Event Handlers
// =============================================================================

func (d *Dispatcher) handleAuthenticate(ctx context.Context, conn *registry.Connection, payload *datatypes.AuthenticatePayload) {
	identity, err := d.verifier.Verify(ctx, payload.UserID, payload.Token)
	if err != nil {
		slog.Info("Authentication failed",
			"connectionId", conn.ID, "userId", payload.UserID, "error", err)
		if sendErr := conn.Send(datatypes.NewAuthenticationFailed("invalid credentials")); sendErr != nil {
			slog.Debug("Failed to send authentication_failed",
				"connectionId", conn.ID, "error", sendErr)
		}
		return
	}

	// Re-authenticating as a different user releases everything held
	// under the old identity first, otherwise its document membership
	// and presence would leak with no connection left to detach them.
	if previous, ok := conn.Identity(); ok && previous != identity.UserID {
		if documentID := conn.DocumentID(); documentID != "" {
			d.detach(conn, previous, documentID)
		}
	}

	conn.MarkAuthenticated(identity.UserID)
	slog.Info("Connection authenticated",
		"connectionId", conn.ID, "userId", identity.UserID)
	if err := conn.Send(datatypes.NewAuthenticated(identity.UserID)); err != nil {
		slog.Debug("Failed to send authenticated",
			"connectionId", conn.ID, "error", err)
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, conn *registry.Connection, userID string, payload *datatypes.JoinDocumentPayload) {
	current := conn.DocumentID()
	if current == payload.DocumentID {
		// Re-join of the bound document is a state refresh, not a new
		// membership.
		d.handleStateRequest(conn, &datatypes.RequestDocumentStatePayload{
			DocumentID: payload.DocumentID,
		})
		return
	}
	if current != "" {
		// One document per connection: joining another implies leaving
		// the current one.
		d.detach(conn, userID, current)
	}

	view, err := d.sessions.Join(ctx, payload.DocumentID, userID)
	if err != nil {
		d.sendError(conn, err)
		return
	}

	conn.BindDocument(payload.DocumentID)
	d.presence.Set(userID, payload.DocumentID)
	d.updateSessionGauge()

	if err := conn.Send(datatypes.NewDocumentState(
		view.DocumentID, view.Content, view.Version, view.Participants)); err != nil {
		slog.Debug("Failed to send document_state",
			"connectionId", conn.ID, "error", err)
	}

	delivered := d.router.Broadcast(payload.DocumentID,
		datatypes.NewUserJoined(payload.DocumentID, userID), userID)
	if d.metrics != nil {
		d.metrics.RecordBroadcast(datatypes.OutUserJoined, delivered)
	}
	slog.Info("User joined document",
		"documentId", payload.DocumentID, "userId", userID,
		"participants", len(view.Participants))
}

func (d *Dispatcher) handleLeave(conn *registry.Connection, userID string, payload *datatypes.LeaveDocumentPayload) {
	if conn.DocumentID() != payload.DocumentID {
		d.sendError(conn, datatypes.ErrDocumentMismatch)
		return
	}
	d.detach(conn, userID, payload.DocumentID)
}

func (d *Dispatcher) handleChange(conn *registry.Connection, userID string, payload *datatypes.DocumentChangePayload) {
	if conn.DocumentID() != payload.DocumentID {
		d.sendError(conn, datatypes.ErrDocumentMismatch)
		return
	}

	start := time.Now()
	result, err := d.sessions.ApplyChange(payload.DocumentID, *payload.Change, *payload.BaseVersion)
	if err != nil {
		d.sendError(conn, err)
		return
	}
	if d.metrics != nil {
		d.metrics.ObserveApply(time.Since(start).Seconds())
	}

	if result.Merged {
		// The merge invalidates positional deltas, so every
		// participant including the originator receives the full
		// resolved content.
		if d.metrics != nil {
			d.metrics.ConflictsTotal.Inc()
		}
		delivered := d.router.Broadcast(payload.DocumentID,
			datatypes.NewConflictDetected(payload.DocumentID, userID,
				result.Content, result.Version, *result.Conflict), "")
		if d.metrics != nil {
			d.metrics.RecordBroadcast(datatypes.OutConflictDetected, delivered)
		}
		return
	}

	delivered := d.router.Broadcast(payload.DocumentID,
		datatypes.NewDocumentChange(payload.DocumentID, userID,
			*payload.Change, result.Version), userID)
	if d.metrics != nil {
		d.metrics.RecordBroadcast(datatypes.OutDocumentChange, delivered)
	}
}

func (d *Dispatcher) handleCursor(conn *registry.Connection, userID string, payload *datatypes.CursorMovePayload) {
	if conn.DocumentID() != payload.DocumentID {
		d.sendError(conn, datatypes.ErrDocumentMismatch)
		return
	}

	d.presence.UpdateCursor(userID, *payload.Position)
	delivered := d.router.Broadcast(payload.DocumentID,
		datatypes.NewCursorPosition(payload.DocumentID, userID, *payload.Position), userID)
	if d.metrics != nil {
		d.metrics.RecordBroadcast(datatypes.OutCursorPosition, delivered)
	}
}

func (d *Dispatcher) handleTyping(conn *registry.Connection, userID string, payload *datatypes.UserTypingPayload) {
	if conn.DocumentID() != payload.DocumentID {
		d.sendError(conn, datatypes.ErrDocumentMismatch)
		return
	}

	delivered := d.router.Broadcast(payload.DocumentID,
		datatypes.NewUserTyping(payload.DocumentID, userID, *payload.IsTyping), userID)
	if d.metrics != nil {
		d.metrics.RecordBroadcast(datatypes.OutUserTyping, delivered)
	}
}

func (d *Dispatcher) handleStateRequest(conn *registry.Connection, payload *datatypes.RequestDocumentStatePayload) {
	if conn.DocumentID() != payload.DocumentID {
		d.sendError(conn, datatypes.ErrDocumentMismatch)
		return
	}

	view, err := d.sessions.Snapshot(payload.DocumentID)
	if err != nil {
		d.sendError(conn, err)
		return
	}
	if err := conn.Send(datatypes.NewDocumentState(
		view.DocumentID, view.Content, view.Version, view.Participants)); err != nil {
		slog.Debug("Failed to send document_state",
			"connectionId", conn.ID, "error", err)
	}
}

// =============================================================================
// Disconnect Cascade
// =============================================================================

// Disconnect tears a connection down and cascades the cleanup: registry
// removal, session leave, presence clear, and the user_left broadcast.
// Idempotent; every teardown path (client close, liveness eviction,
// queue overflow, admin kick) converges here.
func (d *Dispatcher) Disconnect(conn *registry.Connection, reason observability.DisconnectReason) {
	removed := d.registry.Remove(conn.ID)
	if removed == nil {
		return
	}

	d.mu.Lock()
	delete(d.limiters, conn.ID)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordDisconnect(reason)
		d.metrics.ActiveConnections.Set(float64(d.registry.Len()))
	}

	userID, authenticated := conn.Identity()
	documentID := conn.DocumentID()
	slog.Info("Connection disconnected",
		"connectionId", conn.ID, "userId", userID, "reason", string(reason))

	if authenticated && documentID != "" {
		d.detach(conn, userID, documentID)
	}
}

// detach removes one connection's membership in a document and, when
// that was the user's last connection on the document, clears presence
// and announces the departure.
func (d *Dispatcher) detach(conn *registry.Connection, userID, documentID string) {
	conn.UnbindDocument()
	d.sessions.Leave(documentID, userID)
	d.updateSessionGauge()

	// The same user may hold another connection on this document; the
	// departure is only announced when the last one goes.
	for _, other := range d.registry.ForDocument(documentID) {
		if otherUser, ok := other.Identity(); ok && otherUser == userID {
			return
		}
	}

	d.presence.Clear(userID)
	delivered := d.router.Broadcast(documentID,
		datatypes.NewUserLeft(documentID, userID), userID)
	if d.metrics != nil {
		d.metrics.RecordBroadcast(datatypes.OutUserLeft, delivered)
	}
	slog.Info("User left document", "documentId", documentID, "userId", userID)
}

// =============================================================================
// Helpers
// =============================================================================

// allow checks the per-connection rate limiter, creating it on first
// use.
func (d *Dispatcher) allow(connectionID string) bool {
	if d.rateLimit <= 0 {
		return true
	}

	d.mu.Lock()
	limiter, ok := d.limiters[connectionID]
	if !ok {
		limiter = rate.NewLimiter(d.rateLimit, d.rateBurst)
		d.limiters[connectionID] = limiter
	}
	d.mu.Unlock()

	return limiter.Allow()
}

func (d *Dispatcher) sendError(conn *registry.Connection, err error) {
	event := datatypes.NewError(err)
	if d.metrics != nil {
		d.metrics.RecordError(event.Code)
	}
	if sendErr := conn.Send(event); sendErr != nil {
		slog.Debug("Failed to send error event",
			"connectionId", conn.ID, "code", event.Code, "error", sendErr)
	}
}

func (d *Dispatcher) updateSessionGauge() {
	if d.metrics != nil {
		d.metrics.ActiveSessions.Set(float64(len(d.sessions.Sessions())))
	}
}
