// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

// recordingWriter implements FrameWriter by collecting frames in order.
type recordingWriter struct {
	frames []datatypes.Frame
	// failWrites makes every write return an error, simulating a client
	// disconnect mid-stream.
	failWrites bool
}

func (w *recordingWriter) record(f datatypes.Frame) error {
	if w.failWrites {
		return errors.New("client gone")
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordingWriter) WriteTextDelta(text string) error {
	return w.record(datatypes.Frame{Type: datatypes.FrameTextDelta, Text: text})
}

func (w *recordingWriter) WriteToolCall(tool string, args map[string]any) error {
	return w.record(datatypes.Frame{Type: datatypes.FrameToolCall, Tool: tool, Args: args})
}

func (w *recordingWriter) WriteChartData(spec any) error {
	return w.record(datatypes.Frame{Type: datatypes.FrameChartData, ChartSpec: spec})
}

func (w *recordingWriter) WriteToolComplete(tool, summary string) error {
	return w.record(datatypes.Frame{Type: datatypes.FrameToolComplete, Tool: tool, Summary: summary})
}

func (w *recordingWriter) WriteError(errMsg string) error {
	return w.record(datatypes.Frame{Type: datatypes.FrameError, Error: errMsg})
}

func (w *recordingWriter) WriteDone() error {
	return w.record(datatypes.Frame{Type: datatypes.FrameDone})
}

func (w *recordingWriter) types() []string {
	out := make([]string, 0, len(w.frames))
	for _, f := range w.frames {
		out = append(out, f.Type)
	}
	return out
}

// mockTranscriptStore records Flush calls for assertions.
type mockTranscriptStore struct {
	messages   []datatypes.Message
	titles     map[string]string
	addErr     error
	titleErr   error
	titleCalls int
}

func newMockTranscriptStore() *mockTranscriptStore {
	return &mockTranscriptStore{titles: map[string]string{}}
}

func (s *mockTranscriptStore) AddMessage(_ context.Context, threadID string, msg datatypes.Message) error {
	if s.addErr != nil {
		return s.addErr
	}
	msg.ThreadID = threadID
	s.messages = append(s.messages, msg)
	return nil
}

func (s *mockTranscriptStore) UpdateThreadTitle(_ context.Context, threadID, _, title string) error {
	s.titleCalls++
	if s.titleErr != nil {
		return s.titleErr
	}
	s.titles[threadID] = title
	return nil
}

func consumeAll(t *testing.T, p *Pipeline, events []datatypes.GenerationEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, p.Consume(ev))
	}
}

// =============================================================================
// State Machine Tests
// =============================================================================

// TestPipeline_EndToEndScenario replays a tool-using step followed by a plain
// final step and checks the exact outbound frame sequence and transcript.
func TestPipeline_EndToEndScenario(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "render_chart")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "analysisX"},
		datatypes.ToolCall{ToolName: "q", RawInput: `{}`},
		datatypes.ToolResult{ToolName: "q", RawOutput: []any{1, 2}},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "Hello"},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
	})

	require.Equal(t, []string{"tool-call", "tool-complete", "text-delta"}, w.types())
	assert.Equal(t, "2 rows returned", w.frames[1].Summary)
	assert.Equal(t, "Hello", w.frames[2].Text)
	assert.Equal(t, "Hello", p.Reducer().Content())
}

// TestPipeline_NoLeakWithoutFinalStep verifies that when no step satisfies
// the final-step condition, the client receives zero text-delta frames and
// the transcript stays empty.
func TestPipeline_NoLeakWithoutFinalStep(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "I will check the tables now."},
		datatypes.ToolCall{ToolName: "q", RawInput: `{}`},
		datatypes.ToolResult{ToolName: "q", RawOutput: []any{}},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonToolCalls},
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "still working"},
		datatypes.FinishStep{FinishReason: "length"},
	})

	for _, f := range w.frames {
		assert.NotEqual(t, datatypes.FrameTextDelta, f.Type)
	}
	assert.False(t, p.FinalConfirmed())
	assert.Empty(t, p.Reducer().Content())
}

// TestPipeline_ToolUseDiscardsStepText verifies that a step finishing with
// reason "stop" but having used tools still discards its buffered text.
func TestPipeline_ToolUseDiscardsStepText(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "Here are the results you asked for:"},
		datatypes.ToolCall{ToolName: "q", RawInput: `{}`},
		datatypes.ToolResult{ToolName: "q", RawOutput: []any{1}},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
	})

	assert.Equal(t, []string{"tool-call", "tool-complete"}, w.types())
	assert.Empty(t, p.Reducer().Content())
}

// TestPipeline_StripsFinalStepText verifies the final step's buffered text is
// cleaned of scratchpad leakage before the single text-delta emission.
func TestPipeline_StripsFinalStepText(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "reasoning assistantfinal"},
		datatypes.TextDelta{Text: "The capital is Paris."},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
	})

	require.Equal(t, []string{"text-delta"}, w.types())
	assert.Equal(t, "The capital is Paris.", w.frames[0].Text)
	assert.Equal(t, "The capital is Paris.", p.Reducer().Content())
}

// TestPipeline_StreamsUnbufferedOnceConfirmed verifies that after the final
// step is confirmed, later steps stream text immediately and unstripped, even
// when that later step uses tools.
func TestPipeline_StreamsUnbufferedOnceConfirmed(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "Done."},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
	})
	require.True(t, p.FinalConfirmed())

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "analysis extra "},
		datatypes.ToolCall{ToolName: "q", RawInput: `{}`},
		datatypes.TextDelta{Text: "thoughts"},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
	})

	require.Equal(t,
		[]string{"text-delta", "text-delta", "tool-call", "text-delta"},
		w.types())
	assert.Equal(t, "analysis extra ", w.frames[1].Text)
	assert.Equal(t, "Done.analysis extra thoughts", p.Reducer().Content())
	assert.True(t, p.FinalConfirmed(), "confirmation never reverts")
}

// TestPipeline_EmptyStripResultEmitsNothing verifies that a final step whose
// text strips down to nothing emits no text-delta but still confirms.
func TestPipeline_EmptyStripResultEmitsNothing(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "   "},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
	})

	assert.Empty(t, w.frames)
	assert.True(t, p.FinalConfirmed())
}

// TestPipeline_ErrorEventEmitsErrorFrame verifies upstream generation errors
// become error frames without disturbing the confirmation flag.
func TestPipeline_ErrorEventEmitsErrorFrame(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")

	require.NoError(t, p.Consume(datatypes.GenerationError{Err: errors.New("model overloaded")}))

	require.Equal(t, []string{"error"}, w.types())
	assert.Equal(t, "model overloaded", w.frames[0].Error)
	assert.False(t, p.FinalConfirmed())
}

// TestPipeline_WriteFailurePropagates verifies a failed frame write surfaces
// to the caller so upstream iteration stops.
func TestPipeline_WriteFailurePropagates(t *testing.T) {
	w := &recordingWriter{failWrites: true}
	p := New(w, "")

	err := p.Consume(datatypes.ToolCall{ToolName: "q", RawInput: `{}`})
	assert.Error(t, err)
}

// =============================================================================
// Chart Artifact Tests
// =============================================================================

// TestPipeline_ChartResultEmitsChartData verifies an error-free charting tool
// result yields a chart-data frame and a recorded artifact, both numeric-safe.
func TestPipeline_ChartResultEmitsChartData(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "render_chart")

	spec := map[string]any{
		"chartType": "line",
		"data":      []any{map[string]any{"y": json.Number("18446744073709551615")}},
	}
	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.ToolCall{ToolName: "render_chart", RawInput: `{}`},
		datatypes.ToolResult{ToolName: "render_chart", RawOutput: spec},
	})

	require.Equal(t, []string{"tool-call", "chart-data", "tool-complete"}, w.types())

	safe, ok := w.frames[1].ChartSpec.(map[string]any)
	require.True(t, ok)
	row := safe["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "18446744073709551615", row["y"])

	require.Len(t, p.Reducer().Charts(), 1)
}

// TestPipeline_FailedChartResultSkipsChartData verifies a charting tool
// result carrying an error field produces no chart-data frame or artifact.
func TestPipeline_FailedChartResultSkipsChartData(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "render_chart")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.ToolCall{ToolName: "render_chart", RawInput: `{}`},
		datatypes.ToolResult{
			ToolName:  "render_chart",
			RawOutput: map[string]any{"error": "unknown table"},
		},
	})

	require.Equal(t, []string{"tool-call", "tool-complete"}, w.types())
	assert.Equal(t, "unknown table", w.frames[1].Summary)
	assert.Empty(t, p.Reducer().Charts())
}

// =============================================================================
// Reducer Flush Tests
// =============================================================================

// TestReducer_FlushPersistsTranscript verifies the persisted assistant
// message carries content, ordered tool calls and chart specs.
func TestReducer_FlushPersistsTranscript(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "render_chart")

	consumeAll(t, p, []datatypes.GenerationEvent{
		datatypes.StartStep{},
		datatypes.ToolCall{ToolName: "q", RawInput: `{"sql":"SELECT 1"}`},
		datatypes.ToolResult{ToolName: "q", RawOutput: []any{1}},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonToolCalls},
		datatypes.StartStep{},
		datatypes.TextDelta{Text: "One row."},
		datatypes.FinishStep{FinishReason: datatypes.FinishReasonStop},
	})

	store := newMockTranscriptStore()
	p.Reducer().Flush(context.Background(), store, FlushRequest{
		ThreadID:       "t1",
		UserID:         "u1",
		UserMessage:    "how many rows?",
		ThreadUntitled: true,
	})

	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, datatypes.RoleAssistant, msg.Role)
	assert.Equal(t, "One row.", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "q", msg.ToolCalls[0].Name)
	assert.Equal(t, "how many rows?", store.titles["t1"])
}

// TestReducer_FlushSkipsEmptyTranscript verifies an empty transcript persists
// nothing while titling still happens.
func TestReducer_FlushSkipsEmptyTranscript(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")

	store := newMockTranscriptStore()
	p.Reducer().Flush(context.Background(), store, FlushRequest{
		ThreadID:       "t1",
		UserID:         "u1",
		UserMessage:    "hello",
		ThreadUntitled: true,
	})

	assert.Empty(t, store.messages)
	assert.Equal(t, 1, store.titleCalls)
}

// TestReducer_FlushSwallowsStoreErrors verifies persistence failures are
// logged and discarded, never returned.
func TestReducer_FlushSwallowsStoreErrors(t *testing.T) {
	w := &recordingWriter{}
	p := New(w, "")
	p.Reducer().AppendText("content")

	store := newMockTranscriptStore()
	store.addErr = errors.New("store down")
	store.titleErr = errors.New("store down")

	assert.NotPanics(t, func() {
		p.Reducer().Flush(context.Background(), store, FlushRequest{
			ThreadID:       "t1",
			UserID:         "u1",
			UserMessage:    "hi",
			ThreadUntitled: true,
		})
	})
}

// TestAutoTitle_Truncation verifies the 80-character title rule.
func TestAutoTitle_Truncation(t *testing.T) {
	assert.Equal(t, "short question", AutoTitle("short question"))

	long := strings80() + " and then some"
	title := AutoTitle(long)
	assert.Equal(t, strings80()+"…", title)
}

func strings80() string {
	out := make([]byte, 80)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}
