// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/tools"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

// echoTool records its arguments and returns a fixed payload.
type echoTool struct {
	name     string
	lastArgs map[string]any
	result   any
	err      error
}

func (t *echoTool) Name() string               { return t.name }
func (t *echoTool) Description() string        { return "test tool" }
func (t *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(_ context.Context, args map[string]any) (any, error) {
	t.lastArgs = args
	return t.result, t.err
}

// scriptedServer speaks just enough of the OpenAI streaming protocol: each
// call to /chat/completions plays back the next script entry as SSE chunks.
type scriptedServer struct {
	script   [][]string
	requests []openai.ChatCompletionRequest
}

func (s *scriptedServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req openai.ChatCompletionRequest
		_ = json.Unmarshal(body, &req)
		s.requests = append(s.requests, req)

		call := len(s.requests) - 1
		if call >= len(s.script) {
			http.Error(w, "unexpected extra completion request", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range s.script[call] {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func chunk(delta, finishReason string) string {
	fr := "null"
	if finishReason != "" {
		fr = fmt.Sprintf("%q", finishReason)
	}
	return fmt.Sprintf(
		`{"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`,
		delta, fr)
}

func newTestEngine(t *testing.T, server *scriptedServer, registry *tools.Registry) *OpenAIEngine {
	t.Helper()
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	config := openai.DefaultConfig("test-key")
	config.BaseURL = ts.URL + "/v1"
	return NewOpenAIEngine(openai.NewClientWithConfig(config), "test-model", registry)
}

func collectEvents(t *testing.T, e *OpenAIEngine, req Request) []datatypes.GenerationEvent {
	t.Helper()
	var events []datatypes.GenerationEvent
	err := e.Stream(context.Background(), req, func(ev datatypes.GenerationEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

// =============================================================================
// Stream Tests
// =============================================================================

// TestOpenAIEngine_PlainAnswer verifies a single stop step yields StartStep,
// the text deltas and FinishStep(stop).
func TestOpenAIEngine_PlainAnswer(t *testing.T) {
	server := &scriptedServer{script: [][]string{{
		chunk(`{"content":"Hello"}`, ""),
		chunk(`{"content":" there"}`, ""),
		chunk(`{}`, "stop"),
	}}}
	e := newTestEngine(t, server, tools.NewRegistry())

	events := collectEvents(t, e, Request{
		System:  "You are a ClickHouse assistant.",
		History: []datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: "hi"}},
	})

	require.Len(t, events, 4)
	assert.IsType(t, datatypes.StartStep{}, events[0])
	assert.Equal(t, datatypes.TextDelta{Text: "Hello"}, events[1])
	assert.Equal(t, datatypes.TextDelta{Text: " there"}, events[2])
	assert.Equal(t, datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop}, events[3])

	// System prompt and history made it into the provider request.
	require.Len(t, server.requests, 1)
	msgs := server.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)
}

// TestOpenAIEngine_ToolRoundTrip verifies fragmented tool-call deltas are
// reassembled, the tool is executed, and its result is fed back to the next
// step as a tool message.
func TestOpenAIEngine_ToolRoundTrip(t *testing.T) {
	server := &scriptedServer{script: [][]string{
		{
			chunk(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"run_select_query","arguments":"{\"sql\":"}}]}`, ""),
			chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"\"SELECT 1\"}"}}]}`, ""),
			chunk(`{}`, "tool_calls"),
		},
		{
			chunk(`{"content":"One row."}`, ""),
			chunk(`{}`, "stop"),
		},
	}}
	tool := &echoTool{name: "run_select_query", result: []map[string]any{{"n": 1}}}
	registry := tools.NewRegistry()
	registry.Register(tool)
	e := newTestEngine(t, server, registry)

	events := collectEvents(t, e, Request{
		History: []datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: "count"}},
	})

	// Step 1: StartStep, ToolCall, ToolResult, FinishStep(tool_calls).
	// Step 2: StartStep, TextDelta, FinishStep(stop).
	require.Len(t, events, 7)
	call, ok := events[1].(datatypes.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "run_select_query", call.ToolName)
	assert.Equal(t, `{"sql":"SELECT 1"}`, call.RawInput)

	result, ok := events[2].(datatypes.ToolResult)
	require.True(t, ok)
	assert.Equal(t, "run_select_query", result.ToolName)

	assert.Equal(t, datatypes.FinishStep{FinishReason: datatypes.FinishReasonToolCalls}, events[3])
	assert.Equal(t, datatypes.TextDelta{Text: "One row."}, events[5])

	// The tool saw parsed arguments.
	assert.Equal(t, map[string]any{"sql": "SELECT 1"}, tool.lastArgs)

	// The second provider request carries the assistant tool call and the
	// tool result message.
	require.Len(t, server.requests, 2)
	msgs := server.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Contains(t, msgs[2].Content, `"n":1`)
}

// TestOpenAIEngine_StepBound verifies the loop gives up after the step bound
// when every step keeps calling tools.
func TestOpenAIEngine_StepBound(t *testing.T) {
	toolStep := []string{
		chunk(`{"tool_calls":[{"index":0,"id":"call_x","type":"function","function":{"name":"run_select_query","arguments":"{}"}}]}`, ""),
		chunk(`{}`, "tool_calls"),
	}
	script := make([][]string, defaultMaxSteps)
	for i := range script {
		script[i] = toolStep
	}
	server := &scriptedServer{script: script}
	registry := tools.NewRegistry()
	registry.Register(&echoTool{name: "run_select_query", result: "ok"})
	e := newTestEngine(t, server, registry)

	err := e.Stream(context.Background(), Request{
		History: []datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: "loop"}},
	}, func(datatypes.GenerationEvent) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")
}

// TestOpenAIEngine_EmitErrorAborts verifies a failing emit stops the stream.
func TestOpenAIEngine_EmitErrorAborts(t *testing.T) {
	server := &scriptedServer{script: [][]string{{
		chunk(`{"content":"Hello"}`, ""),
		chunk(`{}`, "stop"),
	}}}
	e := newTestEngine(t, server, tools.NewRegistry())

	boom := fmt.Errorf("client gone")
	err := e.Stream(context.Background(), Request{
		History: []datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: "hi"}},
	}, func(ev datatypes.GenerationEvent) error {
		if _, ok := ev.(datatypes.TextDelta); ok {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
}

// =============================================================================
// Helper Tests
// =============================================================================

// TestToolCallAccumulator_MergesFragments verifies fragments with the same
// index merge and distinct indices stay separate calls in order.
func TestToolCallAccumulator_MergesFragments(t *testing.T) {
	idx0, idx1 := 0, 1
	acc := newToolCallAccumulator()

	acc.add([]openai.ToolCall{{
		Index: &idx0, ID: "call_a",
		Function: openai.FunctionCall{Name: "run_select_query", Arguments: `{"sql"`},
	}})
	acc.add([]openai.ToolCall{{
		Index:    &idx0,
		Function: openai.FunctionCall{Arguments: `:"SELECT 1"}`},
	}})
	acc.add([]openai.ToolCall{{
		Index: &idx1, ID: "call_b",
		Function: openai.FunctionCall{Name: "render_chart", Arguments: `{}`},
	}})

	calls := acc.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, `{"sql":"SELECT 1"}`, calls[0].Function.Arguments)
	assert.Equal(t, "call_b", calls[1].ID)
}

// TestParseArgs_Fallback verifies malformed argument payloads decay to an
// empty object.
func TestParseArgs_Fallback(t *testing.T) {
	assert.Equal(t, map[string]any{"sql": "SELECT 1"}, parseArgs(`{"sql":"SELECT 1"}`))
	assert.Empty(t, parseArgs(`{"sql": unterminated`))
	assert.Empty(t, parseArgs(""))
	assert.Empty(t, parseArgs("null"))
}
