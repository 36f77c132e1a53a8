// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package auth verifies the identity tokens presented over the
// collaboration channel and the admin REST surface.
//
// The token format and the identity provider that issues tokens are
// external concerns. This package only answers one question: does this
// token prove the claimed user id? Two implementations are provided:
//
//   - NopVerifier: development mode. Any non-empty token authenticates
//     the claimed user. This mirrors how the service runs in a local,
//     single-operator deployment with no identity infrastructure.
//   - JWTVerifier: HMAC-SHA256 JWTs. The subject claim must match the
//     claimed user id. The shared secret is kept in a memguard enclave
//     so it never sits in plain process memory between verifications.
package auth

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified result of a successful token check.
type Identity struct {
	// UserID is the proven user identity.
	UserID string

	// DisplayName is an optional human-readable name from the token.
	DisplayName string
}

// TokenVerifier validates an authentication token against a claimed
// user id.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; every connection's
// authenticate handler shares one verifier.
type TokenVerifier interface {
	// Verify checks that token proves the claimed userID.
	//
	// # Outputs
	//
	//   - *Identity: Verified identity on success.
	//   - error: Non-nil when the token is missing, invalid, expired,
	//     or proves a different subject. The error text is safe to
	//     surface to the client.
	Verify(ctx context.Context, userID, token string) (*Identity, error)
}

// =============================================================================
// Nop Verifier (development)
// =============================================================================

// NopVerifier accepts any non-empty token as proof of the claimed user.
// Default in development deployments with no identity provider.
type NopVerifier struct{}

func (v *NopVerifier) Verify(_ context.Context, userID, token string) (*Identity, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	return &Identity{UserID: userID}, nil
}

// =============================================================================
// JWT Verifier
// =============================================================================

// JWTVerifier validates HMAC-SHA256 signed JWTs. The token subject must
// equal the claimed user id; a valid token for a different subject is
// rejected, which prevents one user replaying another user's token.
type JWTVerifier struct {
	secret *memguard.Enclave
}

// NewJWTVerifier creates a verifier from the shared HMAC secret.
//
// The secret bytes are moved into a sealed memguard enclave; the caller's
// slice is wiped. Pass a copy if the original is still needed.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: memguard.NewEnclave(secret)}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, userID, token string) (*Identity, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	key, err := v.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open signing key enclave: %w", err)
	}
	defer key.Destroy()

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return key.Bytes(), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token: unexpected claims type")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("invalid token: missing subject")
	}
	if subject != userID {
		return nil, fmt.Errorf("token subject does not match claimed user")
	}

	identity := &Identity{UserID: subject}
	if name, ok := claims["name"].(string); ok {
		identity.DisplayName = name
	}
	return identity, nil
}

// Interface compliance checks.
var (
	_ TokenVerifier = (*NopVerifier)(nil)
	_ TokenVerifier = (*JWTVerifier)(nil)
)
