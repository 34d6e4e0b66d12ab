// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clickhouse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewClient_RequiresURL verifies construction fails without a URL.
func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

// TestClient_QueryDecodesRows verifies the JSON envelope is decoded with
// numbers kept as json.Number, and that the request carries the read-only
// setting, credentials and the SQL body.
func TestClient_QueryDecodesRows(t *testing.T) {
	var gotSQL string
	var gotQuery map[string]string
	var gotUser, gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSQL = string(body)
		gotQuery = map[string]string{
			"default_format": r.URL.Query().Get("default_format"),
			"readonly":       r.URL.Query().Get("readonly"),
			"database":       r.URL.Query().Get("database"),
		}
		gotUser = r.Header.Get("X-ClickHouse-User")
		gotKey = r.Header.Get("X-ClickHouse-Key")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"meta": [{"name": "id", "type": "UInt64"}, {"name": "name", "type": "String"}],
			"data": [
				{"id": 18446744073709551615, "name": "events"},
				{"id": 2, "name": "queries"}
			],
			"rows": 2
		}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		URL:      server.URL,
		Username: "reader",
		Password: "secret",
		Database: "system",
	})
	require.NoError(t, err)

	result, err := client.Query(context.Background(), "SELECT id, name FROM tables")
	require.NoError(t, err)

	assert.Equal(t, "SELECT id, name FROM tables", gotSQL)
	assert.Equal(t, "JSON", gotQuery["default_format"])
	assert.Equal(t, "1", gotQuery["readonly"])
	assert.Equal(t, "system", gotQuery["database"])
	assert.Equal(t, "reader", gotUser)
	assert.Equal(t, "secret", gotKey)

	require.Len(t, result.Data, 2)
	assert.Equal(t, 2, result.Rows)
	assert.Equal(t, "id", result.Meta[0].Name)
	assert.Equal(t, json.Number("18446744073709551615"), result.Data[0]["id"])
	assert.Equal(t, "events", result.Data[0]["name"])
}

// TestClient_QueryServerError verifies non-200 responses surface the server's
// message.
func TestClient_QueryServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Code: 60. DB::Exception: Unknown table"))
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL})
	require.NoError(t, err)

	_, err = client.Query(context.Background(), "SELECT * FROM missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "Unknown table")
}

// TestClient_QueryRespectsContext verifies cancellation aborts the request.
func TestClient_QueryRespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Query(ctx, "SELECT 1")
	assert.Error(t, err)
}

// TestClient_Ping verifies both ping outcomes.
func TestClient_Ping(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping", r.URL.Path)
		w.Write([]byte("Ok.\n"))
	}))
	defer healthy.Close()

	client, err := NewClient(Config{URL: healthy.URL})
	require.NoError(t, err)
	assert.NoError(t, client.Ping(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client, err = NewClient(Config{URL: down.URL})
	require.NoError(t, err)
	assert.Error(t, client.Ping(context.Background()))
}
