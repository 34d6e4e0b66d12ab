// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the assistant service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it with the configured AuthProvider, and stores the resulting
// AuthInfo in the Gin context for downstream handlers.
//
// With the default NopAuthProvider every request authenticates as
// "local-user", so a single-operator deployment needs no identity
// infrastructure. Production deployments supply a real provider.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by providers when a token is invalid.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies the authenticated caller.
type AuthInfo struct {
	// UserID scopes thread ownership; it must be stable across requests.
	UserID string

	// DisplayName is a human-readable name for logs and UI.
	DisplayName string
}

// AuthProvider validates bearer tokens.
type AuthProvider interface {
	// Validate checks a token and returns the caller's identity.
	// Returns ErrUnauthorized for invalid tokens.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider authenticates every request as a fixed local user. Default
// for single-operator deployments.
type NopAuthProvider struct{}

var _ AuthProvider = (*NopAuthProvider)(nil)

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", DisplayName: "Local User"}, nil
}

// StaticTokenProvider accepts exactly one pre-shared token.
type StaticTokenProvider struct {
	Token  string
	UserID string
}

var _ AuthProvider = (*StaticTokenProvider)(nil)

func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" || token != p.Token {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: p.UserID, DisplayName: p.UserID}, nil
}

// =============================================================================
// Context Helpers
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "chouse_auth_info"

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info, or nil when the request
// did not pass the auth middleware.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it with
// the provider, and stores the resulting AuthInfo in the context. A missing
// or malformed header yields an empty token; NopAuthProvider accepts that,
// real providers reject it.
//
// # Inputs
//
//   - provider: Token validator. Must not be nil (panics otherwise).
//
// # Thread Safety
//
// The returned middleware is safe for concurrent use.
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	if provider == nil {
		panic("AuthMiddleware: provider must not be nil")
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>", returning an
// empty string when the header is missing or malformed. The scheme is
// case-insensitive per RFC 7235.
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
