// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the wire protocol for the QuillSync
// collaboration service.
//
// Every message on the duplex channel is a JSON object with a required
// "type" field. Inbound messages are decoded exactly once, at the
// connection boundary, into an InboundEvent carrying precisely one typed
// payload; handlers dispatch on the closed EventType set instead of
// re-inspecting raw JSON. Outbound messages are built through the
// constructors in outbound.go so that every event carries a timestamp.
package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Inbound Event Types
// =============================================================================

// EventType identifies an inbound message kind. The set is closed: the
// dispatcher handles every listed value and logs-and-ignores anything else.
type EventType string

const (
	EventAuthenticate         EventType = "authenticate"
	EventJoinDocument         EventType = "join_document"
	EventLeaveDocument        EventType = "leave_document"
	EventDocumentChange       EventType = "document_change"
	EventCursorMove           EventType = "cursor_move"
	EventUserTyping           EventType = "user_typing"
	EventRequestDocumentState EventType = "request_document_state"
)

// ChangeRange is a positional splice into document content: the bytes in
// [Start, End) are replaced by Text. Insertions use Start == End.
type ChangeRange struct {
	Start int    `json:"start" validate:"min=0"`
	End   int    `json:"end" validate:"min=0,gtefield=Start"`
	Text  string `json:"text"`
}

// AuthenticatePayload carries the claimed identity and its proof token.
type AuthenticatePayload struct {
	UserID string `json:"userId" validate:"required"`
	Token  string `json:"token" validate:"required"`
}

// JoinDocumentPayload attaches the connection to a document session.
type JoinDocumentPayload struct {
	DocumentID string `json:"documentId" validate:"required"`
}

// LeaveDocumentPayload detaches the connection from a document session.
type LeaveDocumentPayload struct {
	DocumentID string `json:"documentId" validate:"required"`
}

// DocumentChangePayload is an edit against a specific base version.
//
// BaseVersion is a pointer so that the zero version (a change against a
// freshly created document) survives required-field validation.
type DocumentChangePayload struct {
	DocumentID  string       `json:"documentId" validate:"required"`
	Change      *ChangeRange `json:"change" validate:"required"`
	BaseVersion *int64       `json:"version" validate:"required"`
}

// CursorMovePayload is advisory UI state; last writer wins.
type CursorMovePayload struct {
	DocumentID string `json:"documentId" validate:"required"`
	Position   *int   `json:"position" validate:"required"`
}

// UserTypingPayload toggles the typing indicator for collaborators.
type UserTypingPayload struct {
	DocumentID string `json:"documentId" validate:"required"`
	IsTyping   *bool  `json:"isTyping" validate:"required"`
}

// RequestDocumentStatePayload asks for a fresh full snapshot.
type RequestDocumentStatePayload struct {
	DocumentID string `json:"documentId" validate:"required"`
}

// InboundEvent is the decoded form of one inbound message. Exactly one
// payload pointer is non-nil, matching Type.
type InboundEvent struct {
	Type EventType

	Authenticate *AuthenticatePayload
	Join         *JoinDocumentPayload
	Leave        *LeaveDocumentPayload
	Change       *DocumentChangePayload
	Cursor       *CursorMovePayload
	Typing       *UserTypingPayload
	StateRequest *RequestDocumentStatePayload
}

// validate is shared by all decodes. validator.Validate is safe for
// concurrent use and caches struct metadata internally.
var validate = validator.New()

// DecodeInbound parses and validates one raw inbound message.
//
// # Description
//
// Performs the single decode step for the connection boundary:
//  1. Parse the envelope and extract the "type" discriminator.
//  2. Parse the payload struct for that type.
//  3. Run struct validation (required fields, range ordering).
//
// # Outputs
//
//   - *InboundEvent: Decoded event with exactly one payload set.
//   - error: ErrMalformedMessage (wrapped) for unparseable or invalid
//     payloads; ErrUnknownEventType (wrapped) for types outside the
//     catalogue. The caller decides which of the two is fatal to the
//     message versus merely logged.
func DecodeInbound(raw []byte) (*InboundEvent, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedMessage)
	}

	ev := &InboundEvent{Type: envelope.Type}

	var payload any
	switch envelope.Type {
	case EventAuthenticate:
		ev.Authenticate = &AuthenticatePayload{}
		payload = ev.Authenticate
	case EventJoinDocument:
		ev.Join = &JoinDocumentPayload{}
		payload = ev.Join
	case EventLeaveDocument:
		ev.Leave = &LeaveDocumentPayload{}
		payload = ev.Leave
	case EventDocumentChange:
		ev.Change = &DocumentChangePayload{}
		payload = ev.Change
	case EventCursorMove:
		ev.Cursor = &CursorMovePayload{}
		payload = ev.Cursor
	case EventUserTyping:
		ev.Typing = &UserTypingPayload{}
		payload = ev.Typing
	case EventRequestDocumentState:
		ev.StateRequest = &RequestDocumentStatePayload{}
		payload = ev.StateRequest
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, envelope.Type)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return ev, nil
}
