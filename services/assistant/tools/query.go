// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/daun-gatal/chouse-ui-sub003/services/clickhouse"
)

// QueryToolName is the identifier the model uses for the SQL tool.
const QueryToolName = "run_select_query"

// queryMaxRows caps how many rows a single tool call may return to the model.
const queryMaxRows = 500

// QueryRunner is the ClickHouse collaborator the query tool executes against.
type QueryRunner interface {
	Query(ctx context.Context, sql string) (*clickhouse.QueryResult, error)
}

// queryTool runs read-only SELECT statements against ClickHouse.
type queryTool struct {
	runner QueryRunner
}

var _ Tool = (*queryTool)(nil)

// NewQueryTool creates the SQL query tool. Panics on a nil runner
// (programming error).
func NewQueryTool(runner QueryRunner) Tool {
	if runner == nil {
		panic("NewQueryTool: runner must not be nil")
	}
	return &queryTool{runner: runner}
}

func (t *queryTool) Name() string { return QueryToolName }

func (t *queryTool) Description() string {
	return "Run a read-only SQL SELECT query against the ClickHouse server and return the result rows as JSON."
}

func (t *queryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sql": map[string]any{
				"type":        "string",
				"description": "The SELECT statement to run. Must be a single read-only query.",
			},
		},
		"required": []string{"sql"},
	}
}

// Execute runs the statement and returns the rows.
//
// # Outputs
//
//   - any: []map[string]any of result rows, truncated to queryMaxRows.
//     Numeric values are json.Number, keeping exact 64-bit magnitudes.
//   - error: Missing/empty sql argument, or the server's error message.
func (t *queryTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	sql, _ := args["sql"].(string)
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("missing required argument 'sql'")
	}

	result, err := t.runner.Query(ctx, sql)
	if err != nil {
		return nil, err
	}

	rows := result.Data
	if len(rows) > queryMaxRows {
		rows = rows[:queryMaxRows]
	}
	return rows, nil
}
