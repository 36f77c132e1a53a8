// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================

// Sentinel errors for the per-message failure classes. Handlers return
// these (wrapped with context via fmt.Errorf and %w); the dispatcher
// boundary maps them onto targeted "error" events using ErrorCode. They
// never crash the servicing process and never affect other connections.
var (
	// ErrMalformedMessage marks an unparseable or invalid payload.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownEventType marks a type outside the event catalogue.
	// Logged and ignored, never fatal to the connection.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrUnauthenticated marks an identity-requiring action attempted
	// before a successful authenticate.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrAuthenticationFailed marks a rejected authenticate attempt.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDocumentNotFound marks an action on a document id with no
	// active session.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentMismatch marks a change submitted for a document the
	// connection never joined.
	ErrDocumentMismatch = errors.New("document mismatch")

	// ErrRateLimited marks a message dropped by the per-connection
	// inbound rate limiter.
	ErrRateLimited = errors.New("rate limited")
)

// ErrorCode maps a per-message error onto the wire-level code carried by
// the outbound "error" event. Unknown errors collapse to "internal_error"
// so internals never leak to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrUnauthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrDocumentNotFound):
		return "document_not_found"
	case errors.Is(err, ErrDocumentMismatch):
		return "document_mismatch"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal_error"
	}
}
