// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/quillside/QuillSync/services/sync/auth"
	"github.com/quillside/QuillSync/services/sync/datatypes"
	"github.com/quillside/QuillSync/services/sync/observability"
	"github.com/quillside/QuillSync/services/sync/persistence"
	"github.com/quillside/QuillSync/services/sync/presence"
	"github.com/quillside/QuillSync/services/sync/registry"
	"github.com/quillside/QuillSync/services/sync/session"
)

// captureTransport records every frame the writer pump delivers.
type captureTransport struct {
	mu       sync.Mutex
	messages [][]byte
}

func (c *captureTransport) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.messages = append(c.messages, cp)
	return nil
}

func (c *captureTransport) WriteControl(_ int, _ []byte, _ time.Time) error { return nil }
func (c *captureTransport) Close() error                                   { return nil }

// events decodes each delivered frame to its type discriminator plus
// raw body for field assertions.
func (c *captureTransport) events() []map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]json.RawMessage, 0, len(c.messages))
	for _, raw := range c.messages {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *captureTransport) types() []string {
	var types []string
	for _, ev := range c.events() {
		var t string
		_ = json.Unmarshal(ev["type"], &t)
		types = append(types, t)
	}
	return types
}

func (c *captureTransport) hasType(eventType string) bool {
	for _, t := range c.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

// lastOfType returns the most recent event with the given type.
func (c *captureTransport) lastOfType(eventType string) map[string]json.RawMessage {
	var found map[string]json.RawMessage
	for _, ev := range c.events() {
		var t string
		_ = json.Unmarshal(ev["type"], &t)
		if t == eventType {
			found = ev
		}
	}
	return found
}

type rejectVerifier struct{}

func (rejectVerifier) Verify(context.Context, string, string) (*auth.Identity, error) {
	return nil, fmt.Errorf("rejected")
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	presence   *presence.Tracker
	sessions   *session.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		registry: registry.NewRegistry(64),
		presence: presence.NewTracker(),
		sessions: session.NewStore(persistence.NewMemoryStore()),
	}
	cfg.Registry = f.registry
	cfg.Presence = f.presence
	cfg.Sessions = f.sessions
	if cfg.Verifier == nil {
		cfg.Verifier = &auth.NopVerifier{}
	}
	d, err := New(cfg)
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

// send pushes one wire message through the dispatcher.
func (f *fixture) send(conn *registry.Connection, msg string) {
	f.dispatcher.HandleMessage(context.Background(), conn, []byte(msg))
}

// connect registers a connection and authenticates it as userID.
func (f *fixture) connect(t *testing.T, userID string) (*registry.Connection, *captureTransport) {
	t.Helper()
	transport := &captureTransport{}
	conn := f.registry.Register(transport)
	f.send(conn, fmt.Sprintf(`{"type":"authenticate","userId":%q,"token":"tok"}`, userID))
	require.Eventually(t, func() bool {
		return transport.hasType(datatypes.OutAuthenticated)
	}, time.Second, time.Millisecond)
	return conn, transport
}

// join attaches an authenticated connection to a document and waits for
// the bootstrap snapshot.
func (f *fixture) join(t *testing.T, conn *registry.Connection, transport *captureTransport, documentID string) {
	t.Helper()
	f.send(conn, fmt.Sprintf(`{"type":"join_document","documentId":%q}`, documentID))
	require.Eventually(t, func() bool {
		return transport.hasType(datatypes.OutDocumentState)
	}, time.Second, time.Millisecond)
}

// ============================================================================
// Authentication
// ============================================================================

func TestAuthenticate_Success(t *testing.T) {
	f := newFixture(t, Config{})
	conn, transport := f.connect(t, "alice")

	userID, ok := conn.Identity()
	assert.True(t, ok)
	assert.Equal(t, "alice", userID)

	ev := transport.lastOfType(datatypes.OutAuthenticated)
	require.NotNil(t, ev)
	var got string
	require.NoError(t, json.Unmarshal(ev["userId"], &got))
	assert.Equal(t, "alice", got)
}

func TestAuthenticate_Failure(t *testing.T) {
	f := newFixture(t, Config{Verifier: rejectVerifier{}})
	transport := &captureTransport{}
	conn := f.registry.Register(transport)

	f.send(conn, `{"type":"authenticate","userId":"alice","token":"bad"}`)

	require.Eventually(t, func() bool {
		return transport.hasType(datatypes.OutAuthenticationFailed)
	}, time.Second, time.Millisecond)

	_, ok := conn.Identity()
	assert.False(t, ok)
	// Connection stays open for a retry.
	assert.False(t, conn.Closed())
}

func TestAuthenticate_IdentitySwitchReleasesMembership(t *testing.T) {
	f := newFixture(t, Config{})
	conn, transport := f.connect(t, "alice")
	f.join(t, conn, transport, "doc-1")

	f.send(conn, `{"type":"authenticate","userId":"bob","token":"tok"}`)
	require.Eventually(t, func() bool {
		ev := transport.lastOfType(datatypes.OutAuthenticated)
		if ev == nil {
			return false
		}
		var got string
		_ = json.Unmarshal(ev["userId"], &got)
		return got == "bob"
	}, time.Second, time.Millisecond)

	// Alice's membership went with her identity: the session emptied
	// and was destroyed, and her presence record is gone.
	assert.False(t, f.sessions.Active("doc-1"))
	assert.Empty(t, conn.DocumentID())
	assert.Nil(t, f.presence.Get("alice"))

	// The connection carries only the new identity and no document, so
	// the disconnect cascade has nothing left to orphan.
	f.dispatcher.Disconnect(conn, observability.ReasonClientClose)
	assert.False(t, f.sessions.Active("doc-1"))
}

func TestUnauthenticated_OperationsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	transport := &captureTransport{}
	conn := f.registry.Register(transport)

	f.send(conn, `{"type":"join_document","documentId":"doc-1"}`)

	require.Eventually(t, func() bool {
		ev := transport.lastOfType(datatypes.OutError)
		if ev == nil {
			return false
		}
		var code string
		_ = json.Unmarshal(ev["code"], &code)
		return code == "not_authenticated"
	}, time.Second, time.Millisecond)
	assert.False(t, conn.Closed())
}

// ============================================================================
// Join / Leave
// ============================================================================

func TestJoin_SendsStateAndAnnounces(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	_, bobT := f.connect(t, "bob")

	f.join(t, aliceConn, aliceT, "doc-1")

	state := aliceT.lastOfType(datatypes.OutDocumentState)
	require.NotNil(t, state)
	var participants []string
	require.NoError(t, json.Unmarshal(state["participants"], &participants))
	assert.Equal(t, []string{"alice"}, participants)

	// Bob has not joined; he must not hear about alice.
	assert.False(t, bobT.hasType(datatypes.OutUserJoined))

	// Presence record exists for alice.
	rec := f.presence.Get("alice")
	require.NotNil(t, rec)
	assert.Equal(t, "doc-1", rec.DocumentID)
}

func TestJoin_BroadcastsToExistingParticipants(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	bobConn, bobT := f.connect(t, "bob")

	f.join(t, aliceConn, aliceT, "doc-1")
	f.join(t, bobConn, bobT, "doc-1")

	require.Eventually(t, func() bool {
		return aliceT.hasType(datatypes.OutUserJoined)
	}, time.Second, time.Millisecond)

	// The joiner gets the snapshot, not their own join announcement.
	assert.False(t, bobT.hasType(datatypes.OutUserJoined))

	ev := aliceT.lastOfType(datatypes.OutUserJoined)
	var userID string
	require.NoError(t, json.Unmarshal(ev["userId"], &userID))
	assert.Equal(t, "bob", userID)
}

func TestJoin_SwitchingDocumentsLeavesFirst(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")

	f.join(t, aliceConn, aliceT, "doc-1")
	f.send(aliceConn, `{"type":"join_document","documentId":"doc-2"}`)

	require.Eventually(t, func() bool {
		return aliceConn.DocumentID() == "doc-2"
	}, time.Second, time.Millisecond)

	assert.False(t, f.sessions.Active("doc-1"))
	assert.True(t, f.sessions.Active("doc-2"))
}

func TestLeave_AnnouncesAndDestroysSession(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	bobConn, bobT := f.connect(t, "bob")
	f.join(t, aliceConn, aliceT, "doc-1")
	f.join(t, bobConn, bobT, "doc-1")

	f.send(aliceConn, `{"type":"leave_document","documentId":"doc-1"}`)

	require.Eventually(t, func() bool {
		return bobT.hasType(datatypes.OutUserLeft)
	}, time.Second, time.Millisecond)

	assert.Nil(t, f.presence.Get("alice"))
	assert.Equal(t, "", aliceConn.DocumentID())
	assert.True(t, f.sessions.Active("doc-1"))

	f.send(bobConn, `{"type":"leave_document","documentId":"doc-1"}`)
	require.Eventually(t, func() bool {
		return !f.sessions.Active("doc-1")
	}, time.Second, time.Millisecond)
}

func TestLeave_WrongDocumentRejected(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	f.join(t, aliceConn, aliceT, "doc-1")

	f.send(aliceConn, `{"type":"leave_document","documentId":"doc-2"}`)

	require.Eventually(t, func() bool {
		ev := aliceT.lastOfType(datatypes.OutError)
		if ev == nil {
			return false
		}
		var code string
		_ = json.Unmarshal(ev["code"], &code)
		return code == "document_mismatch"
	}, time.Second, time.Millisecond)
	assert.Equal(t, "doc-1", aliceConn.DocumentID())
}

// ============================================================================
// Document Changes
// ============================================================================

func TestChange_DirectApplyBroadcastsDelta(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	bobConn, bobT := f.connect(t, "bob")
	f.join(t, aliceConn, aliceT, "doc-1")
	f.join(t, bobConn, bobT, "doc-1")

	f.send(aliceConn, `{"type":"document_change","documentId":"doc-1","version":0,"change":{"start":0,"end":0,"text":"hi"}}`)

	require.Eventually(t, func() bool {
		return bobT.hasType(datatypes.OutDocumentChange)
	}, time.Second, time.Millisecond)

	// Originator does not receive their own delta back.
	assert.False(t, aliceT.hasType(datatypes.OutDocumentChange))

	ev := bobT.lastOfType(datatypes.OutDocumentChange)
	var version int64
	require.NoError(t, json.Unmarshal(ev["version"], &version))
	assert.Equal(t, int64(1), version)

	view, err := f.sessions.Snapshot("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", view.Content)
}

func TestChange_ConflictBroadcastsToAll(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	bobConn, bobT := f.connect(t, "bob")
	f.join(t, aliceConn, aliceT, "doc-1")
	f.join(t, bobConn, bobT, "doc-1")

	f.send(aliceConn, `{"type":"document_change","documentId":"doc-1","version":0,"change":{"start":0,"end":0,"text":"first"}}`)
	// Bob edits against the now-stale version 0.
	f.send(bobConn, `{"type":"document_change","documentId":"doc-1","version":0,"change":{"start":0,"end":0,"text":"second"}}`)

	for _, transport := range []*captureTransport{aliceT, bobT} {
		require.Eventually(t, func() bool {
			return transport.hasType(datatypes.OutConflictDetected)
		}, time.Second, time.Millisecond)
	}

	ev := aliceT.lastOfType(datatypes.OutConflictDetected)
	var content string
	require.NoError(t, json.Unmarshal(ev["content"], &content))
	assert.Contains(t, content, "first")
	assert.Contains(t, content, "second")

	var conflict datatypes.ConflictDescriptor
	require.NoError(t, json.Unmarshal(ev["conflict"], &conflict))
	assert.Equal(t, datatypes.ConflictTypeVersionMismatch, conflict.Type)
	assert.Equal(t, int64(1), conflict.CurrentVersion)
	assert.Equal(t, int64(0), conflict.IncomingBaseVersion)
}

func TestChange_WithoutJoinRejected(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")

	f.send(aliceConn, `{"type":"document_change","documentId":"doc-1","version":0,"change":{"start":0,"end":0,"text":"x"}}`)

	require.Eventually(t, func() bool {
		ev := aliceT.lastOfType(datatypes.OutError)
		if ev == nil {
			return false
		}
		var code string
		_ = json.Unmarshal(ev["code"], &code)
		return code == "document_mismatch"
	}, time.Second, time.Millisecond)
}

// ============================================================================
// Cursor / Typing / State Request
// ============================================================================

func TestCursorMove_RelaysAndTracks(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	bobConn, bobT := f.connect(t, "bob")
	f.join(t, aliceConn, aliceT, "doc-1")
	f.join(t, bobConn, bobT, "doc-1")

	f.send(aliceConn, `{"type":"cursor_move","documentId":"doc-1","position":7}`)

	require.Eventually(t, func() bool {
		return bobT.hasType(datatypes.OutCursorPosition)
	}, time.Second, time.Millisecond)
	assert.False(t, aliceT.hasType(datatypes.OutCursorPosition))

	rec := f.presence.Get("alice")
	require.NotNil(t, rec)
	require.NotNil(t, rec.Cursor)
	assert.Equal(t, 7, *rec.Cursor)
}

func TestUserTyping_Relays(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	bobConn, bobT := f.connect(t, "bob")
	f.join(t, aliceConn, aliceT, "doc-1")
	f.join(t, bobConn, bobT, "doc-1")

	f.send(aliceConn, `{"type":"user_typing","documentId":"doc-1","isTyping":true}`)

	require.Eventually(t, func() bool {
		return bobT.hasType(datatypes.OutUserTyping)
	}, time.Second, time.Millisecond)

	ev := bobT.lastOfType(datatypes.OutUserTyping)
	var isTyping bool
	require.NoError(t, json.Unmarshal(ev["isTyping"], &isTyping))
	assert.True(t, isTyping)
}

func TestRequestDocumentState_ReturnsSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	f.join(t, aliceConn, aliceT, "doc-1")
	f.send(aliceConn, `{"type":"document_change","documentId":"doc-1","version":0,"change":{"start":0,"end":0,"text":"hello"}}`)

	f.send(aliceConn, `{"type":"request_document_state","documentId":"doc-1"}`)

	require.Eventually(t, func() bool {
		ev := aliceT.lastOfType(datatypes.OutDocumentState)
		if ev == nil {
			return false
		}
		var content string
		_ = json.Unmarshal(ev["content"], &content)
		return content == "hello"
	}, time.Second, time.Millisecond)
}

// ============================================================================
// Malformed / Unknown / Rate Limit
// ============================================================================

func TestMalformedMessage_ErrorEventOnly(t *testing.T) {
	f := newFixture(t, Config{})
	conn, transport := f.connect(t, "alice")

	f.send(conn, `{not json`)

	require.Eventually(t, func() bool {
		ev := transport.lastOfType(datatypes.OutError)
		if ev == nil {
			return false
		}
		var code string
		_ = json.Unmarshal(ev["code"], &code)
		return code == "malformed_message"
	}, time.Second, time.Millisecond)
	assert.False(t, conn.Closed())
}

func TestUnknownEventType_Ignored(t *testing.T) {
	f := newFixture(t, Config{})
	conn, transport := f.connect(t, "alice")

	before := len(transport.events())
	f.send(conn, `{"type":"time_travel"}`)

	// No error event and no disconnect; the message is just dropped.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, transport.hasType(datatypes.OutError))
	assert.GreaterOrEqual(t, len(transport.events()), before)
	assert.False(t, conn.Closed())
}

func TestRateLimit_RejectsBurst(t *testing.T) {
	f := newFixture(t, Config{RateLimit: rate.Limit(1), RateBurst: 2})
	conn, transport := f.connect(t, "alice")
	f.join(t, conn, transport, "doc-1")

	// Burst of 2 is already consumed by authenticate + join.
	f.send(conn, `{"type":"cursor_move","documentId":"doc-1","position":1}`)

	require.Eventually(t, func() bool {
		ev := transport.lastOfType(datatypes.OutError)
		if ev == nil {
			return false
		}
		var code string
		_ = json.Unmarshal(ev["code"], &code)
		return code == "rate_limited"
	}, time.Second, time.Millisecond)
	assert.False(t, conn.Closed())
}

// ============================================================================
// Disconnect Cascade
// ============================================================================

func TestDisconnect_Cascades(t *testing.T) {
	f := newFixture(t, Config{})
	aliceConn, aliceT := f.connect(t, "alice")
	bobConn, bobT := f.connect(t, "bob")
	f.join(t, aliceConn, aliceT, "doc-1")
	f.join(t, bobConn, bobT, "doc-1")

	f.dispatcher.Disconnect(aliceConn, observability.ReasonClientClose)

	require.Eventually(t, func() bool {
		return bobT.hasType(datatypes.OutUserLeft)
	}, time.Second, time.Millisecond)

	assert.Nil(t, f.registry.Get(aliceConn.ID))
	assert.Nil(t, f.presence.Get("alice"))
	assert.True(t, aliceConn.Closed())
	assert.True(t, f.sessions.Active("doc-1"))

	view, err := f.sessions.Snapshot("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, view.Participants)
}

func TestDisconnect_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	conn, transport := f.connect(t, "alice")
	f.join(t, conn, transport, "doc-1")

	f.dispatcher.Disconnect(conn, observability.ReasonClientClose)
	f.dispatcher.Disconnect(conn, observability.ReasonStale)

	assert.Equal(t, 0, f.registry.Len())
	require.Eventually(t, func() bool {
		return !f.sessions.Active("doc-1")
	}, time.Second, time.Millisecond)
}

func TestDisconnect_SecondConnectionKeepsMembership(t *testing.T) {
	f := newFixture(t, Config{})
	firstConn, firstT := f.connect(t, "alice")
	secondConn, secondT := f.connect(t, "alice")
	observerConn, observerT := f.connect(t, "bob")
	f.join(t, firstConn, firstT, "doc-1")
	f.join(t, secondConn, secondT, "doc-1")
	f.join(t, observerConn, observerT, "doc-1")

	f.dispatcher.Disconnect(firstConn, observability.ReasonClientClose)

	// Alice still holds a live connection on the document; no departure
	// is announced and her membership survives.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, observerT.hasType(datatypes.OutUserLeft))

	view, err := f.sessions.Snapshot("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, view.Participants)

	f.dispatcher.Disconnect(secondConn, observability.ReasonClientClose)
	require.Eventually(t, func() bool {
		return observerT.hasType(datatypes.OutUserLeft)
	}, time.Second, time.Millisecond)
}
