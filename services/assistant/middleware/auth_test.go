// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func authRouter(provider AuthProvider) (*gin.Engine, *AuthInfo) {
	var captured AuthInfo
	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/whoami", func(c *gin.Context) {
		if info := GetAuthInfo(c); info != nil {
			captured = *info
		}
		c.Status(http.StatusOK)
	})
	return router, &captured
}

// TestAuthMiddleware_NopProviderAllowsAnonymous verifies local mode needs no
// Authorization header.
func TestAuthMiddleware_NopProviderAllowsAnonymous(t *testing.T) {
	router, captured := authRouter(&NopAuthProvider{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "local-user", captured.UserID)
}

// TestAuthMiddleware_StaticToken verifies the pre-shared token provider in
// both directions.
func TestAuthMiddleware_StaticToken(t *testing.T) {
	provider := &StaticTokenProvider{Token: "s3cret", UserID: "admin"}
	router, captured := authRouter(provider)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", captured.UserID)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestExtractBearerToken verifies header parsing edge cases.
func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer ABC123", "ABC123"},
		{"Bearer  padded ", "padded"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}

	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			c.Request.Header.Set("Authorization", tc.header)
		}
		assert.Equal(t, tc.want, extractBearerToken(c), "header: %q", tc.header)
	}
}
