// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// =============================================================================
// Outbound Event Types
// =============================================================================

// Outbound type discriminators.
const (
	OutConnected            = "connected"
	OutAuthenticated        = "authenticated"
	OutAuthenticationFailed = "authentication_failed"
	OutDocumentState        = "document_state"
	OutUserJoined           = "user_joined"
	OutUserLeft             = "user_left"
	OutDocumentChange       = "document_change"
	OutConflictDetected     = "conflict_detected"
	OutCursorPosition       = "cursor_position"
	OutUserTyping           = "user_typing"
	OutError                = "error"
)

// Envelope is embedded by every outbound event so each one carries the
// type discriminator and a server-side timestamp (Unix milliseconds).
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func newEnvelope(eventType string) Envelope {
	return Envelope{Type: eventType, Timestamp: time.Now().UnixMilli()}
}

// ConflictDescriptor explains why an incoming change could not be applied
// directly. Attached to conflict_detected events for client display.
type ConflictDescriptor struct {
	Type                string `json:"type"`
	CurrentVersion      int64  `json:"currentVersion"`
	IncomingBaseVersion int64  `json:"incomingBaseVersion"`
}

// ConflictTypeVersionMismatch is the only conflict class the version-gated
// merge strategy produces.
const ConflictTypeVersionMismatch = "version_mismatch"

// ConnectedEvent is sent once on accept with the assigned connection id.
type ConnectedEvent struct {
	Envelope
	ConnectionID string `json:"connectionId"`
}

// AuthenticatedEvent confirms a successful authenticate.
type AuthenticatedEvent struct {
	Envelope
	UserID string `json:"userId"`
}

// AuthenticationFailedEvent rejects an authenticate attempt.
type AuthenticationFailedEvent struct {
	Envelope
	Reason string `json:"reason"`
}

// DocumentStateEvent is the full snapshot a client bootstraps from after a
// join or an explicit state request. Reconnecting clients receive this
// instead of missed deltas.
type DocumentStateEvent struct {
	Envelope
	DocumentID   string   `json:"documentId"`
	Content      string   `json:"content"`
	Version      int64    `json:"version"`
	Participants []string `json:"participants"`
}

// UserJoinedEvent is broadcast to existing participants on join.
type UserJoinedEvent struct {
	Envelope
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// UserLeftEvent is broadcast to remaining participants on leave.
type UserLeftEvent struct {
	Envelope
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// DocumentChangeEvent is broadcast after a direct apply. Participants
// splice the range locally and adopt the new version.
type DocumentChangeEvent struct {
	Envelope
	DocumentID string      `json:"documentId"`
	UserID     string      `json:"userId"`
	Change     ChangeRange `json:"change"`
	Version    int64       `json:"version"`
}

// ConflictDetectedEvent is broadcast after a merged apply. It carries the
// full resolved content because the merge invalidates positional deltas.
type ConflictDetectedEvent struct {
	Envelope
	DocumentID string             `json:"documentId"`
	UserID     string             `json:"userId"`
	Content    string             `json:"content"`
	Version    int64              `json:"version"`
	Conflict   ConflictDescriptor `json:"conflict"`
}

// CursorPositionEvent relays advisory cursor state to collaborators.
type CursorPositionEvent struct {
	Envelope
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Position   int    `json:"position"`
}

// UserTypingEvent relays the typing indicator to collaborators.
type UserTypingEvent struct {
	Envelope
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	IsTyping   bool   `json:"isTyping"`
}

// ErrorEvent is a targeted per-message failure notice. It is only ever
// sent to the originating connection.
type ErrorEvent struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// Constructors
// =============================================================================

func NewConnected(connectionID string) ConnectedEvent {
	return ConnectedEvent{Envelope: newEnvelope(OutConnected), ConnectionID: connectionID}
}

func NewAuthenticated(userID string) AuthenticatedEvent {
	return AuthenticatedEvent{Envelope: newEnvelope(OutAuthenticated), UserID: userID}
}

func NewAuthenticationFailed(reason string) AuthenticationFailedEvent {
	return AuthenticationFailedEvent{Envelope: newEnvelope(OutAuthenticationFailed), Reason: reason}
}

func NewDocumentState(documentID, content string, version int64, participants []string) DocumentStateEvent {
	return DocumentStateEvent{
		Envelope:     newEnvelope(OutDocumentState),
		DocumentID:   documentID,
		Content:      content,
		Version:      version,
		Participants: participants,
	}
}

func NewUserJoined(documentID, userID string) UserJoinedEvent {
	return UserJoinedEvent{Envelope: newEnvelope(OutUserJoined), DocumentID: documentID, UserID: userID}
}

func NewUserLeft(documentID, userID string) UserLeftEvent {
	return UserLeftEvent{Envelope: newEnvelope(OutUserLeft), DocumentID: documentID, UserID: userID}
}

func NewDocumentChange(documentID, userID string, change ChangeRange, version int64) DocumentChangeEvent {
	return DocumentChangeEvent{
		Envelope:   newEnvelope(OutDocumentChange),
		DocumentID: documentID,
		UserID:     userID,
		Change:     change,
		Version:    version,
	}
}

func NewConflictDetected(documentID, userID, content string, version int64, conflict ConflictDescriptor) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		Envelope:   newEnvelope(OutConflictDetected),
		DocumentID: documentID,
		UserID:     userID,
		Content:    content,
		Version:    version,
		Conflict:   conflict,
	}
}

func NewCursorPosition(documentID, userID string, position int) CursorPositionEvent {
	return CursorPositionEvent{
		Envelope:   newEnvelope(OutCursorPosition),
		DocumentID: documentID,
		UserID:     userID,
		Position:   position,
	}
}

func NewUserTyping(documentID, userID string, isTyping bool) UserTypingEvent {
	return UserTypingEvent{
		Envelope:   newEnvelope(OutUserTyping),
		DocumentID: documentID,
		UserID:     userID,
		IsTyping:   isTyping,
	}
}

func NewError(err error) ErrorEvent {
	return ErrorEvent{Envelope: newEnvelope(OutError), Code: ErrorCode(err), Message: err.Error()}
}
