// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the sync service's
// admin surface.
//
// # Authentication Flow
//
// The admin middleware extracts a bearer token from the Authorization
// header plus the claimed user id from the X-QuillSync-User header,
// validates the pair with the same TokenVerifier the websocket
// authenticate handler uses, and stores the verified Identity in the
// Gin context for downstream handlers.
//
// With NopVerifier (the development default) any non-empty token
// authenticates, which lets quillctl work against a local deployment
// with no identity infrastructure.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quillside/QuillSync/services/sync/auth"
)

// UserHeader carries the claimed user id on admin requests; the bearer
// token must prove it.
const UserHeader = "X-QuillSync-User"

// identityKey is the context key for the verified identity. A
// package-scoped constant prevents collisions with other context values.
const identityKey = "quillsync_identity"

// =============================================================================
// Context Helpers
// =============================================================================

// SetIdentity stores the verified identity in the Gin context. Called
// by AdminAuth after successful verification.
func SetIdentity(c *gin.Context, identity *auth.Identity) {
	c.Set(identityKey, identity)
}

// GetIdentity retrieves the verified identity from the Gin context, or
// nil when the request did not pass AdminAuth.
func GetIdentity(c *gin.Context) *auth.Identity {
	if value, exists := c.Get(identityKey); exists {
		if identity, ok := value.(*auth.Identity); ok {
			return identity
		}
	}
	return nil
}

// =============================================================================
// Admin Auth Middleware
// =============================================================================

// AdminAuth creates a Gin middleware that authenticates admin requests.
//
// # Description
//
// Expects:
//
//	Authorization: Bearer <token>
//	X-QuillSync-User: <userId>
//
// The pair is validated with the provided TokenVerifier. On failure the
// request is aborted with 401; on success the verified Identity is
// stored in the context.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AdminAuth(verifier auth.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		userID := c.GetHeader(UserHeader)

		identity, err := verifier.Verify(c.Request.Context(), userID, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken parses the Authorization header expecting
// "Bearer <token>". Returns "" when the header is missing or malformed.
// The "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
