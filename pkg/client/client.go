// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package client implements a Go client for the QuillSync wire protocol.
//
// The client speaks the duplex JSON protocol over a single WebSocket:
// requests that expect a direct reply (authenticate, join, state request)
// block until the reply arrives, while broadcast traffic from other
// participants is delivered through the Handlers callbacks.
//
// # Basic Usage
//
//	c, err := client.Dial(ctx, client.Options{
//	    URL: "ws://localhost:12230/v1/sync/ws",
//	    Handlers: client.Handlers{
//	        OnDocumentChange: func(ev datatypes.DocumentChangeEvent) {
//	            fmt.Printf("%s edited at %d\n", ev.UserID, ev.Change.Start)
//	        },
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.Authenticate(ctx, "alice", token); err != nil {
//	    return err
//	}
//	state, err := c.Join(ctx, "doc-1")
//
// # Document Tracking
//
// The client maintains a local copy of the joined document. Snapshots,
// broadcast deltas, and conflict resolutions all update it, so
// Document() always reflects the latest state the server has shown us.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Handler callbacks run on the
// read loop goroutine; blocking inside them stalls inbound processing.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillside/QuillSync/pkg/logging"
	"github.com/quillside/QuillSync/services/sync/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: connection closed")

// AuthenticationError reports a rejected authenticate attempt.
// The connection remains open and may retry with different credentials.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("client: authentication failed: %s", e.Reason)
}

// ServerError is a targeted error event received in place of an
// expected reply.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server error %s: %s", e.Code, e.Message)
}

// =============================================================================
// Options
// =============================================================================

// Handlers holds optional callbacks for broadcast traffic.
//
// Nil callbacks are skipped. Callbacks run on the read loop goroutine,
// so they must not block.
type Handlers struct {
	OnUserJoined     func(datatypes.UserJoinedEvent)
	OnUserLeft       func(datatypes.UserLeftEvent)
	OnDocumentChange func(datatypes.DocumentChangeEvent)
	OnConflict       func(datatypes.ConflictDetectedEvent)
	OnCursor         func(datatypes.CursorPositionEvent)
	OnTyping         func(datatypes.UserTypingEvent)
	OnError          func(datatypes.ErrorEvent)

	// OnClose fires once when the read loop exits. The error is nil
	// on a clean local Close, non-nil when the server dropped us.
	OnClose func(error)
}

// Options configures Dial.
type Options struct {
	// URL is the WebSocket endpoint, e.g. "ws://host:12230/v1/sync/ws".
	URL string

	// Handlers receives broadcast events. Optional.
	Handlers Handlers

	// Logger defaults to a quiet logger when nil.
	Logger *logging.Logger

	// HandshakeTimeout bounds the WebSocket upgrade.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// ReplyTimeout bounds each request/reply exchange when the
	// caller's context has no earlier deadline.
	// Default: 10 seconds.
	ReplyTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.New(logging.Config{Quiet: true})
	}
}

// =============================================================================
// Client
// =============================================================================

// DocumentView is the client's local copy of the joined document.
type DocumentView struct {
	DocumentID   string
	Content      string
	Version      int64
	Participants []string
}

// inbound pairs an event type with its raw frame for reply waiters.
type inbound struct {
	eventType string
	raw       []byte
}

// Client is a connected protocol session.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger *logging.Logger

	connectionID string

	// writeMu serializes frames onto the socket
	writeMu sync.Mutex

	// waitMu guards waiters
	waitMu  sync.Mutex
	waiters map[string]chan inbound

	// stateMu guards doc and userID
	stateMu sync.RWMutex
	userID  string
	doc     DocumentView

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a QuillSync endpoint and waits for the connected
// handshake event.
//
// # Description
//
// Opens the WebSocket, reads the initial "connected" frame to learn the
// assigned connection id, then starts the read loop. The returned
// client is unauthenticated; call Authenticate before joining.
//
// # Outputs
//
//   - *Client: Connected session ready for Authenticate
//   - error: Dial, upgrade, or handshake failure
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.withDefaults()
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", opts.URL, err)
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger,
		waiters: make(map[string]chan inbound),
		done:    make(chan struct{}),
	}

	// The server sends connected immediately after accept.
	deadline := time.Now().Add(opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: reading handshake: %w", err)
	}
	var connected datatypes.ConnectedEvent
	if err := json.Unmarshal(raw, &connected); err != nil || connected.Type != datatypes.OutConnected {
		conn.Close()
		return nil, fmt.Errorf("client: unexpected handshake frame %q", string(raw))
	}
	c.connectionID = connected.ConnectionID
	_ = conn.SetReadDeadline(time.Time{})

	c.logger.Debug("connected", "connection_id", c.connectionID, "url", opts.URL)
	go c.readLoop()
	return c, nil
}

// ConnectionID returns the server-assigned connection id.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// UserID returns the authenticated user id, or "" before Authenticate.
func (c *Client) UserID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.userID
}

// Document returns the client's local copy of the joined document.
func (c *Client) Document() DocumentView {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.doc
}

// Close tears down the connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

// =============================================================================
// Requests
// =============================================================================

// Authenticate proves the claimed identity to the server.
//
// Returns *AuthenticationError when the server rejects the credentials;
// the connection stays open for a retry.
func (c *Client) Authenticate(ctx context.Context, userID, token string) error {
	reply, err := c.roundTrip(ctx, map[string]any{
		"type":   datatypes.EventAuthenticate,
		"userId": userID,
		"token":  token,
	}, datatypes.OutAuthenticated, datatypes.OutAuthenticationFailed)
	if err != nil {
		return err
	}

	if reply.eventType == datatypes.OutAuthenticationFailed {
		var failed datatypes.AuthenticationFailedEvent
		_ = json.Unmarshal(reply.raw, &failed)
		return &AuthenticationError{Reason: failed.Reason}
	}

	var ok datatypes.AuthenticatedEvent
	if err := json.Unmarshal(reply.raw, &ok); err != nil {
		return fmt.Errorf("client: decoding authenticated: %w", err)
	}
	c.stateMu.Lock()
	c.userID = ok.UserID
	c.stateMu.Unlock()
	return nil
}

// Join attaches the connection to a document session and returns the
// bootstrap snapshot. Joining a second document implicitly leaves the
// first; rejoining the current document refreshes the snapshot.
func (c *Client) Join(ctx context.Context, documentID string) (DocumentView, error) {
	return c.requestState(ctx, map[string]any{
		"type":       datatypes.EventJoinDocument,
		"documentId": documentID,
	})
}

// RequestState asks for a fresh full snapshot of the joined document.
// Useful after reconnecting or when local state is suspect.
func (c *Client) RequestState(ctx context.Context, documentID string) (DocumentView, error) {
	return c.requestState(ctx, map[string]any{
		"type":       datatypes.EventRequestDocumentState,
		"documentId": documentID,
	})
}

// Leave detaches from the document session.
//
// The server does not acknowledge a leave to the leaver; rejections
// arrive through Handlers.OnError.
func (c *Client) Leave(documentID string) error {
	return c.send(map[string]any{
		"type":       datatypes.EventLeaveDocument,
		"documentId": documentID,
	})
}

// SendChange submits an edit against a base version.
//
// The outcome arrives asynchronously: OnDocumentChange on the other
// participants, and either nothing (direct apply) or OnConflict
// (merged apply) on this one.
func (c *Client) SendChange(documentID string, change datatypes.ChangeRange, baseVersion int64) error {
	return c.send(map[string]any{
		"type":       datatypes.EventDocumentChange,
		"documentId": documentID,
		"change":     change,
		"version":    baseVersion,
	})
}

// MoveCursor publishes the local cursor position to collaborators.
func (c *Client) MoveCursor(documentID string, position int) error {
	return c.send(map[string]any{
		"type":       datatypes.EventCursorMove,
		"documentId": documentID,
		"position":   position,
	})
}

// SetTyping toggles the typing indicator for collaborators.
func (c *Client) SetTyping(documentID string, isTyping bool) error {
	return c.send(map[string]any{
		"type":       datatypes.EventUserTyping,
		"documentId": documentID,
		"isTyping":   isTyping,
	})
}

// requestState sends a request whose reply is a document_state event.
func (c *Client) requestState(ctx context.Context, msg map[string]any) (DocumentView, error) {
	reply, err := c.roundTrip(ctx, msg, datatypes.OutDocumentState)
	if err != nil {
		return DocumentView{}, err
	}

	var state datatypes.DocumentStateEvent
	if err := json.Unmarshal(reply.raw, &state); err != nil {
		return DocumentView{}, fmt.Errorf("client: decoding document_state: %w", err)
	}
	view := DocumentView{
		DocumentID:   state.DocumentID,
		Content:      state.Content,
		Version:      state.Version,
		Participants: state.Participants,
	}
	c.stateMu.Lock()
	c.doc = view
	c.stateMu.Unlock()
	return view, nil
}

// =============================================================================
// Wire Plumbing
// =============================================================================

// send serializes one frame onto the socket.
func (c *Client) send(msg map[string]any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// roundTrip sends a request and waits for the first event matching one
// of the given reply types. A targeted error event aborts the wait and
// surfaces as *ServerError.
func (c *Client) roundTrip(ctx context.Context, msg map[string]any, replyTypes ...string) (inbound, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ReplyTimeout)
		defer cancel()
	}

	// Error events abort any pending request.
	watched := append([]string{datatypes.OutError}, replyTypes...)

	ch := make(chan inbound, 1)
	c.waitMu.Lock()
	for _, t := range watched {
		if _, exists := c.waiters[t]; exists {
			c.waitMu.Unlock()
			return inbound{}, fmt.Errorf("client: concurrent request already waiting for %s", t)
		}
		c.waiters[t] = ch
	}
	c.waitMu.Unlock()

	defer func() {
		c.waitMu.Lock()
		for _, t := range watched {
			if c.waiters[t] == ch {
				delete(c.waiters, t)
			}
		}
		c.waitMu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return inbound{}, err
	}

	select {
	case reply := <-ch:
		if reply.eventType == datatypes.OutError {
			var ev datatypes.ErrorEvent
			_ = json.Unmarshal(reply.raw, &ev)
			return inbound{}, &ServerError{Code: ev.Code, Message: ev.Message}
		}
		return reply, nil
	case <-ctx.Done():
		return inbound{}, fmt.Errorf("client: awaiting reply: %w", ctx.Err())
	case <-c.done:
		return inbound{}, ErrClosed
	}
}

// readLoop decodes inbound frames and routes them to reply waiters or
// broadcast handlers. Runs until the socket errors or Close is called.
func (c *Client) readLoop() {
	var loopErr error
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				loopErr = err
			}
			break
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.logger.Warn("dropping unparseable frame", "error", err)
			continue
		}

		c.trackState(envelope.Type, raw)

		// A registered waiter consumes the frame instead of the handler.
		c.waitMu.Lock()
		ch, waiting := c.waiters[envelope.Type]
		if waiting {
			delete(c.waiters, envelope.Type)
		}
		c.waitMu.Unlock()
		if waiting {
			ch <- inbound{eventType: envelope.Type, raw: raw}
			continue
		}

		c.dispatch(envelope.Type, raw)
	}

	c.Close()
	if c.opts.Handlers.OnClose != nil {
		c.opts.Handlers.OnClose(loopErr)
	}
}

// trackState folds document traffic into the local document copy.
func (c *Client) trackState(eventType string, raw []byte) {
	switch eventType {
	case datatypes.OutDocumentState:
		var ev datatypes.DocumentStateEvent
		if json.Unmarshal(raw, &ev) == nil {
			c.stateMu.Lock()
			c.doc = DocumentView{
				DocumentID:   ev.DocumentID,
				Content:      ev.Content,
				Version:      ev.Version,
				Participants: ev.Participants,
			}
			c.stateMu.Unlock()
		}
	case datatypes.OutDocumentChange:
		var ev datatypes.DocumentChangeEvent
		if json.Unmarshal(raw, &ev) == nil {
			c.stateMu.Lock()
			if c.doc.DocumentID == ev.DocumentID {
				c.doc.Content = splice(c.doc.Content, ev.Change)
				c.doc.Version = ev.Version
			}
			c.stateMu.Unlock()
		}
	case datatypes.OutConflictDetected:
		var ev datatypes.ConflictDetectedEvent
		if json.Unmarshal(raw, &ev) == nil {
			c.stateMu.Lock()
			if c.doc.DocumentID == ev.DocumentID {
				// Merge invalidates local deltas; adopt the full content.
				c.doc.Content = ev.Content
				c.doc.Version = ev.Version
			}
			c.stateMu.Unlock()
		}
	}
}

// dispatch fans a broadcast frame out to the matching handler.
func (c *Client) dispatch(eventType string, raw []byte) {
	h := c.opts.Handlers
	switch eventType {
	case datatypes.OutUserJoined:
		if h.OnUserJoined != nil {
			var ev datatypes.UserJoinedEvent
			if json.Unmarshal(raw, &ev) == nil {
				h.OnUserJoined(ev)
			}
		}
	case datatypes.OutUserLeft:
		if h.OnUserLeft != nil {
			var ev datatypes.UserLeftEvent
			if json.Unmarshal(raw, &ev) == nil {
				h.OnUserLeft(ev)
			}
		}
	case datatypes.OutDocumentChange:
		if h.OnDocumentChange != nil {
			var ev datatypes.DocumentChangeEvent
			if json.Unmarshal(raw, &ev) == nil {
				h.OnDocumentChange(ev)
			}
		}
	case datatypes.OutConflictDetected:
		if h.OnConflict != nil {
			var ev datatypes.ConflictDetectedEvent
			if json.Unmarshal(raw, &ev) == nil {
				h.OnConflict(ev)
			}
		}
	case datatypes.OutCursorPosition:
		if h.OnCursor != nil {
			var ev datatypes.CursorPositionEvent
			if json.Unmarshal(raw, &ev) == nil {
				h.OnCursor(ev)
			}
		}
	case datatypes.OutUserTyping:
		if h.OnTyping != nil {
			var ev datatypes.UserTypingEvent
			if json.Unmarshal(raw, &ev) == nil {
				h.OnTyping(ev)
			}
		}
	case datatypes.OutError:
		if h.OnError != nil {
			var ev datatypes.ErrorEvent
			if json.Unmarshal(raw, &ev) == nil {
				h.OnError(ev)
			}
		}
	default:
		// Unknown outbound types are skipped for forward compatibility.
		c.logger.Debug("ignoring unknown event", "type", eventType)
	}
}

// splice applies a positional edit, clamping out-of-range offsets.
func splice(content string, change datatypes.ChangeRange) string {
	start, end := change.Start, change.End
	if start < 0 {
		start = 0
	}
	if start > len(content) {
		start = len(content)
	}
	if end < start {
		end = start
	}
	if end > len(content) {
		end = len(content)
	}
	return content[:start] + change.Text + content[end:]
}
