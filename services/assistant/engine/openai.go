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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/tools"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("chouse.assistant.engine")

// defaultMaxSteps bounds the generate -> tool -> generate loop so a confused
// model cannot spin forever.
const defaultMaxSteps = 8

// OpenAIEngine implements Engine against an OpenAI-compatible chat API.
//
// # Description
//
// Each step streams one chat completion. Text deltas are forwarded as they
// arrive; tool-call fragments are accumulated until the step finishes, then
// executed through the registry and fed back as tool messages for the next
// step. The loop ends when a step finishes without tool calls or the step
// bound is hit.
type OpenAIEngine struct {
	client   *openai.Client
	model    string
	registry *tools.Registry
	maxSteps int
}

var _ Engine = (*OpenAIEngine)(nil)

// NewOpenAIEngine creates an engine for the given client and default model.
// Panics on nil client or registry (programming errors).
func NewOpenAIEngine(client *openai.Client, model string, registry *tools.Registry) *OpenAIEngine {
	if client == nil {
		panic("NewOpenAIEngine: client must not be nil")
	}
	if registry == nil {
		panic("NewOpenAIEngine: registry must not be nil")
	}
	return &OpenAIEngine{
		client:   client,
		model:    model,
		registry: registry,
		maxSteps: defaultMaxSteps,
	}
}

// Stream implements Engine.
func (e *OpenAIEngine) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	ctx, span := tracer.Start(ctx, "OpenAIEngine.Stream")
	defer span.End()

	model := req.Model
	if model == "" {
		model = e.model
	}
	span.SetAttributes(attribute.String("llm.model", model))

	conversation := buildConversation(req)
	declarations := e.toolDeclarations()

	for step := 0; step < e.maxSteps; step++ {
		if err := emit(datatypes.StartStep{}); err != nil {
			return err
		}

		text, calls, finishReason, err := e.streamStep(ctx, model, conversation, declarations, emit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		if len(calls) == 0 {
			if err := emit(datatypes.FinishStep{FinishReason: finishReason}); err != nil {
				return err
			}
			return nil
		}

		assistantMsg := openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: calls,
		}
		conversation = append(conversation, assistantMsg)

		for _, call := range calls {
			if err := emit(datatypes.ToolCall{
				ToolName: call.Function.Name,
				RawInput: call.Function.Arguments,
			}); err != nil {
				return err
			}

			result := e.registry.Execute(ctx, call.Function.Name, parseArgs(call.Function.Arguments))
			if err := emit(datatypes.ToolResult{
				ToolName:  call.Function.Name,
				RawOutput: result,
			}); err != nil {
				return err
			}

			conversation = append(conversation, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    encodeToolResult(result),
				ToolCallID: call.ID,
			})
		}

		if err := emit(datatypes.FinishStep{FinishReason: finishReason}); err != nil {
			return err
		}
	}

	err := fmt.Errorf("generation exceeded %d steps without a final answer", e.maxSteps)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// streamStep runs a single streamed completion, forwarding text deltas and
// accumulating tool-call fragments.
func (e *OpenAIEngine) streamStep(
	ctx context.Context,
	model string,
	conversation []openai.ChatCompletionMessage,
	declarations []openai.Tool,
	emit EmitFunc,
) (string, []openai.ToolCall, string, error) {

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: conversation,
		Tools:    declarations,
	}

	stream, err := e.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		slog.Error("OpenAI stream creation failed", "error", err)
		return "", nil, "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	defer stream.Close()

	acc := newToolCallAccumulator()
	var text string
	finishReason := string(openai.FinishReasonStop)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, "", ctx.Err()
			}
			slog.Error("OpenAI stream receive failed", "error", err)
			return "", nil, "", fmt.Errorf("OpenAI stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			text += choice.Delta.Content
			if err := emit(datatypes.TextDelta{Text: choice.Delta.Content}); err != nil {
				return "", nil, "", err
			}
		}
		acc.add(choice.Delta.ToolCalls)
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

	return text, acc.calls(), finishReason, nil
}

// toolDeclarations converts the registry into the provider's tool schema.
func (e *OpenAIEngine) toolDeclarations() []openai.Tool {
	registered := e.registry.List()
	if len(registered) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(registered))
	for _, t := range registered {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// buildConversation assembles the provider message list from a Request.
func buildConversation(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.History {
		out = append(out, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return out
}

// parseArgs decodes a tool-call argument payload, falling back to an empty
// object on malformed input so execution can still report a useful error.
func parseArgs(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// encodeToolResult serializes a tool result for the provider's tool message.
func encodeToolResult(result any) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"error":"unserializable tool result: %s"}`, err)
	}
	return string(encoded)
}

// toolCallAccumulator merges streamed tool-call fragments.
//
// Providers split a single tool call across many deltas: the first fragment
// carries the index, id and function name, later fragments append argument
// text under the same index.
type toolCallAccumulator struct {
	byIndex map[int]*openai.ToolCall
	order   []int
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*openai.ToolCall)}
}

func (a *toolCallAccumulator) add(fragments []openai.ToolCall) {
	for _, frag := range fragments {
		idx := 0
		if frag.Index != nil {
			idx = *frag.Index
		}
		existing, ok := a.byIndex[idx]
		if !ok {
			copied := frag
			a.byIndex[idx] = &copied
			a.order = append(a.order, idx)
			continue
		}
		if frag.ID != "" {
			existing.ID = frag.ID
		}
		if frag.Function.Name != "" {
			existing.Function.Name = frag.Function.Name
		}
		existing.Function.Arguments += frag.Function.Arguments
	}
}

// calls returns the completed tool calls in first-seen order.
func (a *toolCallAccumulator) calls() []openai.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]openai.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.byIndex[idx])
	}
	return out
}
