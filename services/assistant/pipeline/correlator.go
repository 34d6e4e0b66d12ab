// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"encoding/json"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
)

// ToolInvocation is one tool request-response pair tracked during a turn.
//
// Result stays unset until a matching ToolResult event arrives; the
// unexported resolved flag distinguishes "no result yet" from a tool that
// legitimately returned nil.
type ToolInvocation struct {
	Name   string
	Args   map[string]any
	Result any

	resolved bool
}

// Record converts the invocation to its persisted form.
func (inv *ToolInvocation) Record() datatypes.ToolCallRecord {
	return datatypes.ToolCallRecord{
		Name:   inv.Name,
		Args:   inv.Args,
		Result: inv.Result,
	}
}

// ToolCorrelator tracks in-flight tool invocations and matches asynchronous
// results back to their calls.
//
// # Description
//
// Invocations are kept in call order. A result binds to the most recently
// registered invocation with the same tool name and no result yet
// (last-in-first-matched), which supports repeated calls to the same tool
// within one turn.
//
// # Thread Safety
//
// Not safe for concurrent use. A correlator is owned by the single
// stream-processing task of one request.
type ToolCorrelator struct {
	invocations []*ToolInvocation
}

// NewToolCorrelator creates an empty correlator.
func NewToolCorrelator() *ToolCorrelator {
	return &ToolCorrelator{}
}

// RegisterCall appends a new unmatched invocation.
//
// # Inputs
//
//   - name: Tool name as reported by the model.
//   - rawInput: Argument payload. A string (or raw JSON bytes) is parsed as a
//     JSON object, falling back to an empty object on parse failure; an
//     already-structured value is used directly; anything else becomes an
//     empty object.
//
// # Outputs
//
//   - *ToolInvocation: The registered invocation with parsed arguments.
func (c *ToolCorrelator) RegisterCall(name string, rawInput any) *ToolInvocation {
	inv := &ToolInvocation{Name: name, Args: parseToolArgs(rawInput)}
	c.invocations = append(c.invocations, inv)
	return inv
}

// ResolveResult binds a tool result to the most recent unmatched invocation
// with the same name.
//
// # Outputs
//
//   - *ToolInvocation: The matched invocation with its result set, or nil if
//     no invocation matched. An unmatched result is still reported to the
//     client but is not attachable to transcript tool-call metadata.
func (c *ToolCorrelator) ResolveResult(name string, rawOutput any) *ToolInvocation {
	for i := len(c.invocations) - 1; i >= 0; i-- {
		inv := c.invocations[i]
		if inv.Name == name && !inv.resolved {
			inv.Result = rawOutput
			inv.resolved = true
			return inv
		}
	}
	return nil
}

// Records returns the invocations in call order in their persisted form.
// Returns nil when no tool was invoked so the transcript field is omitted.
func (c *ToolCorrelator) Records() []datatypes.ToolCallRecord {
	if len(c.invocations) == 0 {
		return nil
	}
	records := make([]datatypes.ToolCallRecord, 0, len(c.invocations))
	for _, inv := range c.invocations {
		records = append(records, inv.Record())
	}
	return records
}

// parseToolArgs normalizes a raw argument payload into a structured object.
// Parse failures are recovered locally with an empty object, never propagated.
func parseToolArgs(rawInput any) map[string]any {
	switch v := rawInput.(type) {
	case string:
		return parseJSONObject([]byte(v))
	case []byte:
		return parseJSONObject(v)
	case json.RawMessage:
		return parseJSONObject(v)
	case map[string]any:
		if v != nil {
			return v
		}
		return map[string]any{}
	default:
		return map[string]any{}
	}
}

func parseJSONObject(data []byte) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil || parsed == nil {
		return map[string]any{}
	}
	return parsed
}
