// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the assistant service.
//
// This file contains the generation-event stream types (produced by the
// model-invocation engine, consumed by the streaming pipeline) and the
// outbound wire frames sent to the browser client.
package datatypes

// =============================================================================
// Generation Events (engine -> pipeline)
// =============================================================================

// FinishReasonStop is the finish reason of a step that completed naturally
// without requesting any tool execution.
const FinishReasonStop = "stop"

// FinishReasonToolCalls is the finish reason of a step that ended because the
// model requested one or more tool executions.
const FinishReasonToolCalls = "tool_calls"

// GenerationEvent is one event in the ordered stream produced by the
// model-invocation engine.
//
// # Description
//
// GenerationEvent is a closed sum type: the only implementations are
// StartStep, TextDelta, ToolCall, ToolResult, FinishStep and GenerationError,
// all defined in this file. Consumers switch exhaustively over these types;
// adding a new event kind forces every switch to be revisited instead of
// silently falling into a default branch.
//
// # Ordering
//
// The engine guarantees that events belonging to one step are contiguous and
// that every StartStep is eventually terminated by the FinishStep of the same
// step. Event kinds the engine does not understand (e.g. provider reasoning
// deltas) are dropped at the engine boundary and never appear here.
type GenerationEvent interface {
	generationEvent()
}

// StartStep marks the beginning of one bounded unit of model generation.
type StartStep struct{}

// TextDelta carries a fragment of model-generated text within the current step.
type TextDelta struct {
	Text string
}

// ToolCall records that the model requested execution of a named tool.
//
// RawInput is the argument payload as produced by the model: usually a JSON
// string, occasionally an already-decoded structured value.
type ToolCall struct {
	ToolName string
	RawInput any
}

// ToolResult carries the output of an executed tool back into the stream.
//
// RawOutput is the decoded result value. Tool execution failures are encoded
// as a map with an "error" field rather than as a GenerationError, because a
// failed tool does not abort generation.
type ToolResult struct {
	ToolName  string
	RawOutput any
}

// FinishStep terminates the step opened by the preceding StartStep.
type FinishStep struct {
	FinishReason string
}

// GenerationError reports a non-fatal upstream generation failure. The stream
// continues to a terminal done frame after it is reported.
type GenerationError struct {
	Err error
}

func (StartStep) generationEvent()       {}
func (TextDelta) generationEvent()       {}
func (ToolCall) generationEvent()        {}
func (ToolResult) generationEvent()      {}
func (FinishStep) generationEvent()      {}
func (GenerationError) generationEvent() {}

// =============================================================================
// Outbound Wire Frames (pipeline -> client)
// =============================================================================

// Frame type constants for the outbound wire protocol.
const (
	FrameTextDelta    = "text-delta"
	FrameToolCall     = "tool-call"
	FrameChartData    = "chart-data"
	FrameToolComplete = "tool-complete"
	FrameError        = "error"
	FrameDone         = "done"

	// FrameKeepAlive is a no-content frame sent during long tool executions
	// so load balancers do not cut the idle connection. Clients ignore it.
	FrameKeepAlive = "keep-alive"
)

// Frame is one JSON object in the line-delimited response stream.
//
// # Description
//
// Exactly one field set besides Type per frame kind:
//   - text-delta: Text
//   - tool-call: Tool, Args
//   - chart-data: ChartSpec (numeric-safe serialized)
//   - tool-complete: Tool, Summary (Summary may be absent)
//   - error: Error
//   - done: nothing
//
// # Assumptions
//
//   - ChartSpec has already been passed through numeric-safe serialization so
//     64-bit integers beyond the JavaScript safe range arrive as strings.
type Frame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Args      any    `json:"args,omitempty"`
	ChartSpec any    `json:"chartSpec,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
}
