// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/google/uuid"
)

// autoTitleMaxChars is the maximum length of an auto-derived thread title.
const autoTitleMaxChars = 80

// TranscriptStore is the persistence collaborator the reducer flushes to.
//
// Implementations must tolerate being called after the client response has
// completed; errors are logged by the caller and never surfaced.
type TranscriptStore interface {
	// AddMessage appends a message to a thread.
	AddMessage(ctx context.Context, threadID string, msg datatypes.Message) error

	// UpdateThreadTitle sets the title of a thread owned by userID.
	UpdateThreadTitle(ctx context.Context, threadID, userID, title string) error
}

// TranscriptReducer accumulates the assistant turn into the record persisted
// once the stream completes normally.
//
// # Description
//
// Collects, in emission order, the text ultimately classified as real output,
// plus the correlated tool invocations and the chart artifacts of the turn.
// Built incrementally during stream iteration and written exactly once at
// normal completion by Flush. Owned by the single stream-processing task of
// one request; no synchronization.
type TranscriptReducer struct {
	correlator *ToolCorrelator
	content    strings.Builder
	charts     []any
}

// NewTranscriptReducer creates a reducer sharing the pipeline's correlator.
// Panics on a nil correlator (programming error).
func NewTranscriptReducer(correlator *ToolCorrelator) *TranscriptReducer {
	if correlator == nil {
		panic("NewTranscriptReducer: correlator must not be nil")
	}
	return &TranscriptReducer{correlator: correlator}
}

// AppendText appends emitted text to the accumulated transcript content.
func (r *TranscriptReducer) AppendText(text string) {
	r.content.WriteString(text)
}

// AddChart records a successfully-evaluated chart artifact.
func (r *TranscriptReducer) AddChart(spec any) {
	r.charts = append(r.charts, spec)
}

// Content returns the transcript text accumulated so far.
func (r *TranscriptReducer) Content() string {
	return r.content.String()
}

// Charts returns the chart artifacts recorded so far, in order.
func (r *TranscriptReducer) Charts() []any {
	return r.charts
}

// FlushRequest carries the context Flush needs about the owning turn.
type FlushRequest struct {
	ThreadID    string
	UserID      string
	UserMessage string
	// ThreadUntitled is true when the thread had no title before this turn;
	// Flush then derives one from the user's triggering message.
	ThreadUntitled bool
}

// Flush hands the accumulated transcript entry to the persistence
// collaborator and triggers thread auto-titling.
//
// # Description
//
// Best-effort, called once after the client stream has closed normally.
// Failures are logged and discarded: the user-visible stream has already
// completed, so nothing here may fail or re-open it. The assistant message
// is persisted only when the accumulated content is non-empty (a stream
// where no step was confirmed final leaves the transcript empty by design).
func (r *TranscriptReducer) Flush(ctx context.Context, store TranscriptStore, req FlushRequest) {
	content := r.content.String()
	if content != "" {
		msg := datatypes.Message{
			ID:         uuid.New().String(),
			ThreadID:   req.ThreadID,
			Role:       datatypes.RoleAssistant,
			Content:    content,
			ToolCalls:  r.correlator.Records(),
			ChartSpecs: r.charts,
			CreatedAt:  time.Now().UnixMilli(),
		}
		if err := store.AddMessage(ctx, req.ThreadID, msg); err != nil {
			slog.Error("failed to persist assistant message",
				"threadId", req.ThreadID,
				"error", err,
			)
		}
	}

	if req.ThreadUntitled && strings.TrimSpace(req.UserMessage) != "" {
		title := AutoTitle(req.UserMessage)
		if err := store.UpdateThreadTitle(ctx, req.ThreadID, req.UserID, title); err != nil {
			slog.Warn("failed to auto-title thread",
				"threadId", req.ThreadID,
				"error", err,
			)
		}
	}
}

// AutoTitle derives a thread title from the user's triggering message:
// the first 80 characters, with an ellipsis when truncated.
func AutoTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= autoTitleMaxChars {
		return string(runes)
	}
	return string(runes[:autoTitleMaxChars]) + "…"
}
