// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry owns every open duplex connection and its
// authentication/session state.
//
// A Connection is created when the channel is accepted and destroyed on
// channel close or forced termination by the liveness supervisor. The
// registry is the exclusive owner; other components reference users and
// documents by id, never by connection.
//
// # Outbound Queueing
//
// Each connection carries a bounded outbound queue drained by a single
// writer goroutine, so broadcasts never block on a slow consumer and no
// two goroutines ever write the websocket concurrently. When the queue
// is full the enqueue fails with ErrSendQueueFull and the caller tears
// the connection down through the normal disconnect path: a consumer
// that cannot keep up is handled exactly like a stale one. Queued
// messages do not survive a reconnect; clients re-join and bootstrap
// from a fresh document_state snapshot.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSendQueueFull reports that a connection's bounded outbound queue
// overflowed. The caller must disconnect the connection.
var ErrSendQueueFull = errors.New("send queue full")

// writeWait bounds how long a single transport write may take before
// the connection is considered broken.
const writeWait = 10 * time.Second

// Transport is the write side of a duplex channel. *websocket.Conn
// satisfies it; tests substitute an in-memory implementation.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// =============================================================================
// Connection
// =============================================================================

// Connection is the registry's record of one open duplex channel.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Attribute state is guarded
// by a mutex; outbound writes are serialized by the writer goroutine.
type Connection struct {
	// ID is the opaque connection identity, generated at accept time.
	ID string

	transport Transport

	mu            sync.Mutex
	userID        string
	documentID    string
	authenticated bool
	lastActivity  time.Time

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// Info is the admin-surface view of a connection.
type Info struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	DocumentID    string    `json:"documentId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	LastActivity  time.Time `json:"lastActivity"`
}

func newConnection(transport Transport, queueSize int) *Connection {
	return &Connection{
		ID:           uuid.New().String(),
		transport:    transport,
		lastActivity: time.Now(),
		send:         make(chan []byte, queueSize),
		closed:       make(chan struct{}),
	}
}

// writePump drains the outbound queue onto the transport. It is the
// only goroutine that writes data frames on this connection. A write
// failure closes the transport, which surfaces to the reader loop as a
// read error and routes through the normal teardown path.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.transport.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("Connection write failed", "connectionId", c.ID, "error", err)
				c.Close()
				return
			}
		}
	}
}

// Touch refreshes the last-activity timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent inbound traffic or
// liveness response.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// MarkAuthenticated records the proven user identity.
func (c *Connection) MarkAuthenticated(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authenticated = true
}

// Identity returns the authenticated user id, or "" and false before a
// successful authenticate.
func (c *Connection) Identity() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.authenticated
}

// BindDocument attaches the connection to a document session.
func (c *Connection) BindDocument(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documentID = documentID
}

// UnbindDocument detaches the connection from its document session.
func (c *Connection) UnbindDocument() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documentID = ""
}

// DocumentID returns the bound document id, or "" when not joined.
func (c *Connection) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

// Info returns a point-in-time copy of the connection attributes.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:            c.ID,
		UserID:        c.userID,
		DocumentID:    c.documentID,
		Authenticated: c.authenticated,
		LastActivity:  c.lastActivity,
	}
}

// Send marshals the event and enqueues it for delivery.
func (c *Connection) Send(event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode outbound event: %w", err)
	}
	return c.SendRaw(raw)
}

// SendRaw enqueues a pre-marshaled message. The broadcast router uses
// this to marshal a fanout message exactly once.
//
// Never blocks: returns ErrSendQueueFull when the bounded queue is
// full, or nil silently dropping the message when the connection is
// already closed (teardown in progress).
func (c *Connection) SendRaw(raw []byte) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", c.ID, ErrSendQueueFull)
	}
}

// Ping sends a websocket ping control frame.
func (c *Connection) Ping() error {
	return c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close shuts the transport and stops the writer. Idempotent; safe to
// call from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.transport.Close(); err != nil {
			slog.Debug("Transport close failed", "connectionId", c.ID, "error", err)
		}
	})
}

// Closed reports whether teardown has started.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry tracks every open connection by its opaque id.
//
// Operations on an unknown connection id are no-ops: the connection was
// already torn down, and racing teardown against late traffic is normal,
// not an error.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	queueSize int
}

// NewRegistry creates an empty registry. queueSize bounds each
// connection's outbound queue.
func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		queueSize: queueSize,
	}
}

// Register creates a Connection for an accepted channel, starts its
// writer, and returns it.
func (r *Registry) Register(transport Transport) *Connection {
	conn := newConnection(transport, r.queueSize)

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	go conn.writePump()
	return conn
}

// Get returns the connection for an id, or nil.
func (r *Registry) Get(connectionID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connectionID]
}

// Remove deletes the connection from the registry and closes it.
// Returns the removed connection so the caller can cascade presence and
// session cleanup, or nil if the id was already gone.
func (r *Registry) Remove(connectionID string) *Connection {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	conn.Close()
	return conn
}

// ForDocument returns every connection currently bound to the document.
func (r *Registry) ForDocument(documentID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conns []*Connection
	for _, conn := range r.conns {
		if conn.DocumentID() == documentID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// All returns a point-in-time copy of every connection's attributes.
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, conn.Info())
	}
	return infos
}

// Snapshot returns every live connection, for the liveness sweep.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
