// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// =============================================================================
// Admin REST Client
// =============================================================================

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	DocumentID   string    `json:"documentId"`
	Participants []string  `json:"participants"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// SessionDetail is the full view of one document session.
type SessionDetail struct {
	DocumentID   string   `json:"documentId"`
	Content      string   `json:"content"`
	Version      int64    `json:"version"`
	Participants []string `json:"participants"`
}

// ConnectionInfo is one row of the connection listing.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	DocumentID    string    `json:"documentId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	LastActivity  time.Time `json:"lastActivity"`
}

// PresenceInfo is one user's presence record.
type PresenceInfo struct {
	UserID       string    `json:"userId"`
	DocumentID   string    `json:"documentId"`
	LastActivity time.Time `json:"lastActivity"`
	Cursor       *int      `json:"cursor,omitempty"`
}

// APIError is a non-2xx admin API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: admin API returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether the error is a 404 from the admin API.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Admin calls the operational REST endpoints of a sync service.
//
// All endpoints require a bearer token plus the user header; construct
// with NewAdmin and reuse across calls.
type Admin struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

// NewAdmin creates an admin API client.
//
// Parameters:
//   - baseURL: Service root, e.g. "http://localhost:12230"
//   - userID: Identity claimed in the user header
//   - token: Bearer token matching the service's auth mode
func NewAdmin(baseURL, userID, token string) *Admin {
	return &Admin{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ListSessions returns all active document sessions.
func (a *Admin) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession returns the full view of one document session.
func (a *Admin) GetSession(ctx context.Context, documentID string) (*SessionDetail, error) {
	var out SessionDetail
	path := "/v1/sessions/" + url.PathEscape(documentID)
	if err := a.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConnections returns all registered connections.
func (a *Admin) ListConnections(ctx context.Context) ([]ConnectionInfo, error) {
	var out struct {
		Connections []ConnectionInfo `json:"connections"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/connections", &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// KickConnection force-disconnects one connection.
func (a *Admin) KickConnection(ctx context.Context, connectionID string) error {
	path := "/v1/connections/" + url.PathEscape(connectionID)
	return a.do(ctx, http.MethodDelete, path, nil)
}

// GetPresence returns one user's presence record.
func (a *Admin) GetPresence(ctx context.Context, userID string) (*PresenceInfo, error) {
	var out PresenceInfo
	path := "/v1/presence/" + url.PathEscape(userID)
	if err := a.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one authenticated request and decodes the JSON response.
func (a *Admin) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("X-QuillSync-User", a.userID)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("client: decoding response: %w", err)
	}
	return nil
}
