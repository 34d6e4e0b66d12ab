// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package clickhouse is a thin client for the ClickHouse HTTP interface.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("chouse.clickhouse")

// defaultQueryTimeout bounds a single query round trip when the caller's
// config does not say otherwise.
const defaultQueryTimeout = 60 * time.Second

// Config holds the connection settings for one ClickHouse server.
type Config struct {
	// URL is the base HTTP(S) address, e.g. "http://localhost:8123".
	URL      string
	Username string
	Password string
	// Database is the default database for unqualified table names.
	Database string
	// Timeout bounds each request. Zero means defaultQueryTimeout.
	Timeout time.Duration
}

// QueryResult is the decoded ClickHouse JSON response envelope.
type QueryResult struct {
	Meta []ColumnMeta     `json:"meta"`
	Data []map[string]any `json:"data"`
	Rows int              `json:"rows"`
}

// ColumnMeta describes one result column.
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Client executes queries against a single ClickHouse server over HTTP.
//
// # Description
//
// All queries run with readonly=1 so the assistant can never mutate the
// server, and results are decoded with json.Number so 64-bit and wider
// integers keep their exact decimal text.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying http.Client handles pooling.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	database   string
}

// NewClient creates a Client from cfg.
//
// # Outputs
//
//   - error: Non-nil when cfg.URL is empty or unparseable.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse: URL must not be empty")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("clickhouse: invalid URL %q: %w", cfg.URL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	slog.Info("Initializing ClickHouse client",
		"url", cfg.URL,
		"database", cfg.Database,
	)
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		database:   cfg.Database,
	}, nil
}

// Query runs a read-only SQL statement and returns the decoded rows.
//
// # Inputs
//
//   - ctx: Carries cancellation; the request aborts when it is done.
//   - sql: The statement to run. FORMAT clauses are not needed; the client
//     always requests JSON output.
//
// # Outputs
//
//   - *QueryResult: Rows as maps keyed by column name. Numbers are
//     json.Number values preserving the server's decimal text.
//   - error: Transport failures or any non-200 server response, with the
//     server's message included.
func (c *Client) Query(ctx context.Context, sql string) (*QueryResult, error) {
	ctx, span := tracer.Start(ctx, "ClickHouse.Query")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "clickhouse"))

	params := url.Values{}
	params.Set("default_format", "JSON")
	params.Set("readonly", "1")
	if c.database != "" {
		params.Set("database", c.database)
	}
	queryURL := c.baseURL + "/?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, queryURL, strings.NewReader(sql))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create ClickHouse request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.username != "" {
		req.Header.Set("X-ClickHouse-User", c.username)
		req.Header.Set("X-ClickHouse-Key", c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("ClickHouse query failed", "error", err)
		return nil, fmt.Errorf("ClickHouse query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		slog.Error("ClickHouse returned an error",
			"status_code", resp.StatusCode,
			"response", msg,
		)
		span.SetStatus(codes.Error, msg)
		return nil, fmt.Errorf("ClickHouse failed with status %d: %s", resp.StatusCode, msg)
	}

	decoder := json.NewDecoder(resp.Body)
	// Exact decimal text matters: UInt64 and Int128 columns overflow float64.
	decoder.UseNumber()

	var result QueryResult
	if err := decoder.Decode(&result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse ClickHouse response: %w", err)
	}

	span.SetAttributes(attribute.Int("db.rows_returned", result.Rows))
	return &result, nil
}

// Ping checks connectivity using the server's /ping endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ClickHouse ping failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ClickHouse ping failed with status %d", resp.StatusCode)
	}
	return nil
}
