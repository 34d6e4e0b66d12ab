// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the assistant service's HTTP handlers.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/engine"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/middleware"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/observability"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/pipeline"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/store"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/tools"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("chouse.assistant.handlers")

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval spaces keep-alive frames to stay well under typical
	// load balancer idle timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// historyLimit bounds how many stored messages are replayed to the model
	// when the client does not supply its own history.
	historyLimit = 20
)

// defaultSystemPrompt frames the model as a read-only ClickHouse operator.
const defaultSystemPrompt = "You are a ClickHouse database administration assistant. " +
	"You answer questions about the connected ClickHouse server using the available " +
	"tools. Queries are read-only; never attempt INSERT, ALTER or DROP statements. " +
	"When the user asks for a visualization, use the charting tool."

// =============================================================================
// Interface Definition
// =============================================================================

// AssistantHandler defines the contract for the streaming chat endpoint.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; Gin calls handlers from
// many goroutines.
type AssistantHandler interface {
	// HandleChatStream processes POST /api/ai/chat/stream requests.
	//
	// # Description
	//
	// Streams the assistant's answer as line-delimited JSON frames:
	// tool-call, chart-data, tool-complete and text-delta frames as the turn
	// progresses, a terminal done frame on success, or an error frame on
	// failure. The transcript is persisted after the response completes.
	HandleChatStream(c *gin.Context)
}

// assistantHandler implements AssistantHandler.
type assistantHandler struct {
	engine engine.Engine
	store  *store.ThreadStore
	system string
}

var _ AssistantHandler = (*assistantHandler)(nil)

// NewAssistantHandler creates the streaming chat handler.
//
// # Inputs
//
//   - eng: Generation engine. Must not be nil (panics otherwise).
//   - threadStore: Thread persistence. Must not be nil (panics otherwise).
//   - systemPrompt: System prompt override. Empty selects the default.
func NewAssistantHandler(eng engine.Engine, threadStore *store.ThreadStore, systemPrompt string) AssistantHandler {
	if eng == nil {
		panic("NewAssistantHandler: engine must not be nil")
	}
	if threadStore == nil {
		panic("NewAssistantHandler: threadStore must not be nil")
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &assistantHandler{
		engine: eng,
		store:  threadStore,
		system: systemPrompt,
	}
}

// HandleChatStream implements AssistantHandler.
func (h *assistantHandler) HandleChatStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	endpoint := observability.EndpointChatStream
	startTime := time.Now()
	success := false
	defer func() {
		observability.DefaultMetrics.RecordRequest(endpoint, success)
		observability.DefaultMetrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
	}()

	// Step 0: Get authenticated user from context.
	authInfo := middleware.GetAuthInfo(c)
	userID := "anonymous"
	if authInfo != nil {
		userID = authInfo.UserID
	}
	span.SetAttributes(attribute.String("user.id", userID))

	// Step 1: Parse request body.
	var req datatypes.AssistantChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat stream request", "error", err)
		observability.DefaultMetrics.RecordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	span.SetAttributes(attribute.String("thread.id", req.ThreadID))

	// Step 2: Validate request.
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat stream request validation failed",
			"error", err,
			"threadId", req.ThreadID,
		)
		observability.DefaultMetrics.RecordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 3: Load the thread; ownership is enforced by the store's key
	// layout, so a foreign thread is indistinguishable from a missing one.
	thread, err := h.store.GetThread(ctx, userID, req.ThreadID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			observability.DefaultMetrics.RecordError(endpoint, observability.ErrorCodeThreadNotFound)
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "thread lookup failed")
		slog.Error("Failed to load thread", "error", err, "threadId", req.ThreadID)
		observability.DefaultMetrics.RecordError(endpoint, observability.ErrorCodeStorage)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}
	threadUntitled := thread.Title == ""

	// Step 4: Persist the user message before generation starts so the turn
	// survives even when the model call fails.
	userMsg := datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: req.Message,
	}
	if err := h.store.AddMessage(ctx, req.ThreadID, userMsg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user message persistence failed")
		slog.Error("Failed to persist user message", "error", err, "threadId", req.ThreadID)
		observability.DefaultMetrics.RecordError(endpoint, observability.ErrorCodeStorage)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist message"})
		return
	}

	// Step 5: Assemble bounded conversation history, ending with the user
	// message that triggered this turn.
	history := h.assembleHistory(ctx, &req)

	// Step 6: Set streaming headers and create the frame writer.
	SetStreamHeaders(c.Writer)
	writer, err := NewStreamWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream setup failed")
		slog.Error("Failed to create stream writer", "error", err)
		observability.DefaultMetrics.RecordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	observability.DefaultMetrics.StreamStarted(endpoint)
	defer observability.DefaultMetrics.StreamEnded(endpoint)

	// Step 7: Start the heartbeat goroutine; tool executions can take long
	// enough for idle-timeout middleboxes to cut the connection.
	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	// Step 8: Drive the generation stream through the pipeline.
	timed := &timedWriter{StreamWriter: writer}
	pl := pipeline.New(timed, tools.ChartToolName)

	streamErr := h.engine.Stream(ctx, engine.Request{
		System:  h.system,
		History: history,
	}, pl.Consume)

	close(heartbeatDone)

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "generation failed")

		if errors.Is(streamErr, context.Canceled) {
			// Client went away; nothing left to write to.
			slog.Info("Client disconnected during stream", "threadId", req.ThreadID)
			observability.DefaultMetrics.RecordClientDisconnect(endpoint)
			return
		}

		slog.Error("Generation stream failed",
			"error", streamErr,
			"threadId", req.ThreadID,
		)
		observability.DefaultMetrics.RecordError(endpoint, observability.ErrorCodeEngine)
		// Internal details stay out of the client-facing message.
		if err := writer.WriteError("generation failed"); err != nil {
			slog.Error("Failed to write error frame", "error", err)
		}
		return
	}

	if first := timed.firstOutputAt(); !first.IsZero() {
		ttfo := first.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_output_seconds", ttfo))
		observability.DefaultMetrics.RecordTimeToFirstOutput(endpoint, ttfo)
	}

	// Step 9: Terminal done frame.
	if err := writer.WriteDone(); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done frame", "error", err, "threadId", req.ThreadID)
		return
	}

	// Step 10: Fire-and-forget transcript flush. The client response is
	// complete; persistence failures are logged inside Flush, never surfaced.
	flushCtx := context.WithoutCancel(ctx)
	go pl.Reducer().Flush(flushCtx, h.store, pipeline.FlushRequest{
		ThreadID:       req.ThreadID,
		UserID:         userID,
		UserMessage:    req.Message,
		ThreadUntitled: threadUntitled,
	})

	success = true
	span.SetStatus(codes.Ok, "stream completed")
}

// assembleHistory builds the model conversation: the client-supplied history
// when present, otherwise the stored thread tail. Both end with the
// triggering user message (the stored tail already contains it; it was
// persisted in Step 4).
func (h *assistantHandler) assembleHistory(ctx context.Context, req *datatypes.AssistantChatRequest) []datatypes.ChatMessage {
	if len(req.History) > 0 {
		history := make([]datatypes.ChatMessage, 0, len(req.History)+1)
		history = append(history, req.History...)
		return append(history, datatypes.ChatMessage{
			Role:    datatypes.RoleUser,
			Content: req.Message,
		})
	}

	stored, err := h.store.ListMessages(ctx, req.ThreadID, historyLimit)
	if err != nil {
		slog.Warn("Failed to load thread history, continuing without it",
			"error", err,
			"threadId", req.ThreadID,
		)
		return []datatypes.ChatMessage{{Role: datatypes.RoleUser, Content: req.Message}}
	}

	history := make([]datatypes.ChatMessage, 0, len(stored))
	for _, msg := range stored {
		history = append(history, datatypes.ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return history
}

// runHeartbeat writes keep-alive frames until done closes or the request
// context ends. Write failures are logged once per tick but do not stop the
// heartbeat; the stream goroutine owns connection teardown.
func runHeartbeat(ctx context.Context, writer StreamWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Keep-alive write failed", "error", err)
				continue
			}
			observability.DefaultMetrics.RecordKeepAlive(endpoint)
		}
	}
}

// timedWriter records when the first content-bearing frame is written.
// Buffering delays the first visible output well past the provider's first
// token, so this is the user-perceived latency.
type timedWriter struct {
	StreamWriter

	mu    sync.Mutex
	first time.Time
}

func (t *timedWriter) mark() {
	t.mu.Lock()
	if t.first.IsZero() {
		t.first = time.Now()
	}
	t.mu.Unlock()
}

func (t *timedWriter) firstOutputAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}

func (t *timedWriter) WriteTextDelta(text string) error {
	t.mark()
	return t.StreamWriter.WriteTextDelta(text)
}

func (t *timedWriter) WriteToolCall(tool string, args map[string]any) error {
	t.mark()
	return t.StreamWriter.WriteToolCall(tool, args)
}

func (t *timedWriter) WriteChartData(spec any) error {
	t.mark()
	return t.StreamWriter.WriteChartData(spec)
}
