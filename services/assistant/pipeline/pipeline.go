// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline transforms the raw assistant generation-event stream into
// a cleaned client-facing frame stream and a persisted transcript entry.
//
// # Description
//
// A model turn arrives as an ordered sequence of generation events spanning
// one or more steps. Text produced alongside tool use is presumed
// hallucinated filler and discarded; text of the first step that finishes
// with reason "stop" without using tools is the canonical answer, cleaned of
// leaked scratchpad reasoning and emitted as a single frame. Every step after
// that confirmation streams its text through immediately, unbuffered and
// unstripped.
//
// # Concurrency
//
// All state is owned by the single goroutine iterating one request's stream.
// Suspension happens only between events, so no locks are needed.
package pipeline

import (
	"strings"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
)

// FrameWriter is the outbound encoder contract: it frames each internal
// event into the wire protocol and writes it to the open output stream in
// arrival order, without buffering of its own.
type FrameWriter interface {
	WriteTextDelta(text string) error
	WriteToolCall(tool string, args map[string]any) error
	WriteChartData(spec any) error
	WriteToolComplete(tool, summary string) error
	WriteError(errMsg string) error
	WriteDone() error
}

// Pipeline is the per-request stream transformation state machine.
//
// # Description
//
// Pipeline consumes generation events one at a time, buffering each step's
// text until the step proves final. State:
//
//   - buffering (initial): TextDelta accumulates into the step buffer and
//     nothing reaches the client. Re-entered at every StartStep until the
//     final step is confirmed.
//   - streaming (permanent): entered the first time a step finishes with
//     reason "stop" having used no tools. From then on text bypasses
//     buffering entirely, even for later steps that use tools.
//
// Tool-call and tool-complete frames are status information and are emitted
// unconditionally in both states.
//
// # Thread Safety
//
// Not safe for concurrent use. One Pipeline serves exactly one request and
// is driven by a single goroutine.
type Pipeline struct {
	writer     FrameWriter
	correlator *ToolCorrelator
	reducer    *TranscriptReducer

	// chartTool names the charting tool whose error-free results become
	// chart-data frames and persisted chart specs.
	chartTool string

	// streaming is the monotonic final-confirmed flag: false -> true at most
	// once per stream, never back.
	streaming bool

	stepText      strings.Builder
	stepUsedTools bool
}

// New creates a Pipeline writing frames to writer.
//
// # Inputs
//
//   - writer: Outbound frame encoder. Must not be nil (panics otherwise).
//   - chartTool: Name of the charting tool. May be empty when no charting
//     tool is registered; no result will then match.
func New(writer FrameWriter, chartTool string) *Pipeline {
	if writer == nil {
		panic("pipeline.New: writer must not be nil")
	}
	correlator := NewToolCorrelator()
	return &Pipeline{
		writer:     writer,
		correlator: correlator,
		reducer:    NewTranscriptReducer(correlator),
		chartTool:  chartTool,
	}
}

// Reducer exposes the transcript accumulator for the post-completion flush.
func (p *Pipeline) Reducer() *TranscriptReducer {
	return p.reducer
}

// FinalConfirmed reports whether the final step has been confirmed and the
// pipeline streams text through unbuffered.
func (p *Pipeline) FinalConfirmed() bool {
	return p.streaming
}

// Consume processes one generation event, updating pipeline state and
// emitting zero or more outbound frames.
//
// # Outputs
//
//   - error: Non-nil only when writing to the output stream failed, which
//     aborts upstream iteration (e.g. the client disconnected).
func (p *Pipeline) Consume(ev datatypes.GenerationEvent) error {
	switch e := ev.(type) {
	case datatypes.StartStep:
		p.resetStep()
		return nil

	case datatypes.TextDelta:
		if p.streaming {
			p.reducer.AppendText(e.Text)
			return p.writer.WriteTextDelta(e.Text)
		}
		p.stepText.WriteString(e.Text)
		return nil

	case datatypes.ToolCall:
		p.stepUsedTools = true
		inv := p.correlator.RegisterCall(e.ToolName, e.RawInput)
		return p.writer.WriteToolCall(e.ToolName, inv.Args)

	case datatypes.ToolResult:
		p.correlator.ResolveResult(e.ToolName, e.RawOutput)
		if e.ToolName == p.chartTool && p.chartTool != "" && resultErrorFree(e.RawOutput) {
			spec := SafeNumeric(e.RawOutput)
			p.reducer.AddChart(spec)
			if err := p.writer.WriteChartData(spec); err != nil {
				return err
			}
		}
		summary, _ := SummarizeResult(e.RawOutput)
		return p.writer.WriteToolComplete(e.ToolName, summary)

	case datatypes.FinishStep:
		defer p.resetStep()
		if p.streaming {
			// Text already passed through as it arrived.
			return nil
		}
		if e.FinishReason == datatypes.FinishReasonStop && !p.stepUsedTools {
			p.streaming = true
			cleaned := StripScratchpad(p.stepText.String())
			if strings.TrimSpace(cleaned) != "" {
				p.reducer.AppendText(cleaned)
				return p.writer.WriteTextDelta(cleaned)
			}
			return nil
		}
		// Tool-using or incomplete step: the buffered text is presumed
		// hallucinated filler. Never emitted, never persisted.
		return nil

	case datatypes.GenerationError:
		msg := "generation failed"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return p.writer.WriteError(msg)
	}

	// Unknown event kinds from the upstream collaborator are ignored.
	return nil
}

func (p *Pipeline) resetStep() {
	p.stepText.Reset()
	p.stepUsedTools = false
}

// resultErrorFree reports whether a tool result evaluated successfully.
// Failed executions are encoded as objects carrying an "error" field.
func resultErrorFree(result any) bool {
	if m, ok := result.(map[string]any); ok {
		if _, failed := m["error"]; failed {
			return false
		}
	}
	return true
}
