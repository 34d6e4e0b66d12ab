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
)

// ChartToolName is the identifier the model uses for the charting tool. The
// pipeline matches this name to turn error-free results into chart-data
// frames.
const ChartToolName = "render_chart"

// chartMaxPoints caps how many data points a chart may carry.
const chartMaxPoints = 1000

var validChartTypes = map[string]bool{
	"line": true,
	"bar":  true,
	"area": true,
	"pie":  true,
}

// chartTool runs a query and packages the rows as a renderable chart spec.
type chartTool struct {
	runner QueryRunner
}

var _ Tool = (*chartTool)(nil)

// NewChartTool creates the charting tool. Panics on a nil runner
// (programming error).
func NewChartTool(runner QueryRunner) Tool {
	if runner == nil {
		panic("NewChartTool: runner must not be nil")
	}
	return &chartTool{runner: runner}
}

func (t *chartTool) Name() string { return ChartToolName }

func (t *chartTool) Description() string {
	return "Run a read-only SQL SELECT query and render the result as a chart. Use when the user asks for a visualization."
}

func (t *chartTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sql": map[string]any{
				"type":        "string",
				"description": "The SELECT statement producing the chart data.",
			},
			"chartType": map[string]any{
				"type":        "string",
				"enum":        []string{"line", "bar", "area", "pie"},
				"description": "The visualization type.",
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Human-readable chart title.",
			},
			"xField": map[string]any{
				"type":        "string",
				"description": "Result column used for the x axis (or pie labels).",
			},
			"yField": map[string]any{
				"type":        "string",
				"description": "Result column used for the y axis (or pie values).",
			},
		},
		"required": []string{"sql", "chartType", "xField", "yField"},
	}
}

// Execute runs the query and returns the chart specification.
//
// # Outputs
//
//   - any: map with chartType, title, xField, yField and data (the result
//     rows). The pipeline applies numeric-safe encoding before the spec
//     leaves the process.
//   - error: Invalid arguments, the server's error message, or an empty
//     result (an empty chart is a model mistake worth reporting back).
func (t *chartTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	sql, _ := args["sql"].(string)
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("missing required argument 'sql'")
	}
	chartType, _ := args["chartType"].(string)
	if !validChartTypes[chartType] {
		return nil, fmt.Errorf("invalid chartType %q: must be one of line, bar, area, pie", chartType)
	}
	xField, _ := args["xField"].(string)
	yField, _ := args["yField"].(string)
	if xField == "" || yField == "" {
		return nil, fmt.Errorf("missing required arguments 'xField' and 'yField'")
	}
	title, _ := args["title"].(string)

	result, err := t.runner.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("query returned no rows; nothing to chart")
	}

	rows := result.Data
	if len(rows) > chartMaxPoints {
		rows = rows[:chartMaxPoints]
	}

	// The result columns must actually contain the requested fields.
	if _, ok := rows[0][xField]; !ok {
		return nil, fmt.Errorf("column %q not present in query result", xField)
	}
	if _, ok := rows[0][yField]; !ok {
		return nil, fmt.Errorf("column %q not present in query result", yField)
	}

	return map[string]any{
		"chartType": chartType,
		"title":     title,
		"xField":    xField,
		"yField":    yField,
		"data":      rows,
	}, nil
}
