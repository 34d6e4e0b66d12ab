// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/pipeline"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter writes outbound frames to an open line-delimited JSON
// response.
//
// # Description
//
// StreamWriter is the pipeline's frame encoder plus the keep-alive frame the
// handler sends on its own schedule. Each frame is one JSON object followed
// by a newline, flushed immediately; frames appear on the wire in write
// order with no buffering of whole responses.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the handler's heartbeat
// goroutine writes keep-alives while the stream goroutine writes frames.
//
// # Assumptions
//
//   - Caller has set response headers via SetStreamHeaders before writing.
type StreamWriter interface {
	pipeline.FrameWriter

	// WriteKeepAlive sends a keep-alive frame to hold the connection open
	// through long tool executions. Clients ignore it.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// ndjsonWriter implements StreamWriter over an http.ResponseWriter.
type ndjsonWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
//
// # Outputs
//
//   - StreamWriter: Ready to write frames.
//   - error: Non-nil when the ResponseWriter does not support flushing.
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &ndjsonWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// writeFrame serializes one frame as a JSON line and flushes it.
func (w *ndjsonWriter) writeFrame(frame datatypes.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *ndjsonWriter) WriteTextDelta(text string) error {
	return w.writeFrame(datatypes.Frame{Type: datatypes.FrameTextDelta, Text: text})
}

func (w *ndjsonWriter) WriteToolCall(tool string, args map[string]any) error {
	return w.writeFrame(datatypes.Frame{Type: datatypes.FrameToolCall, Tool: tool, Args: args})
}

func (w *ndjsonWriter) WriteChartData(spec any) error {
	return w.writeFrame(datatypes.Frame{Type: datatypes.FrameChartData, ChartSpec: spec})
}

func (w *ndjsonWriter) WriteToolComplete(tool, summary string) error {
	return w.writeFrame(datatypes.Frame{Type: datatypes.FrameToolComplete, Tool: tool, Summary: summary})
}

func (w *ndjsonWriter) WriteError(errMsg string) error {
	return w.writeFrame(datatypes.Frame{Type: datatypes.FrameError, Error: errMsg})
}

func (w *ndjsonWriter) WriteDone() error {
	return w.writeFrame(datatypes.Frame{Type: datatypes.FrameDone})
}

func (w *ndjsonWriter) WriteKeepAlive() error {
	return w.writeFrame(datatypes.Frame{Type: datatypes.FrameKeepAlive})
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures response headers for line-delimited JSON
// streaming. Must be called before the first write.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*ndjsonWriter)(nil)
