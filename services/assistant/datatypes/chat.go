// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the request types for the assistant chat endpoints.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Checked in bytes, not runes, to bound memory use.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryMessages is the maximum number of client-supplied history
	// messages accepted in one request.
	MaxHistoryMessages = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for assistant datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks that a string field does not exceed
// MaxMessageContentBytes. Byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Assistant Chat Request Types
// =============================================================================

// ChatMessage is one entry of the client-supplied message history.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// AssistantChatRequest is the body of POST /api/ai/chat/stream.
//
// # Description
//
// Carries the target thread, the new user message, and an optional
// client-supplied message history. When History is omitted the server
// assembles the bounded history from the thread's persisted messages.
//
// # Fields
//
//   - ThreadID: Required. Thread the turn belongs to. The thread must exist;
//     threads are created via POST /api/ai/threads.
//   - Message: Required. The user's message, at most 32KB.
//   - History: Optional. Up to 100 prior messages supplied by the client.
//     When present it replaces the server-side history load.
//
// # Validation
//
// Uses go-playground/validator:
//   - ThreadID: required, valid UUID v4
//   - Message: required, max 32768 bytes
//   - History: at most 100 elements, each with a known role and bounded content
type AssistantChatRequest struct {
	ThreadID string        `json:"threadId" validate:"required,uuid4"`
	Message  string        `json:"message" validate:"required,maxbytes"`
	History  []ChatMessage `json:"history,omitempty" validate:"omitempty,max=100,dive"`
}

// Validate checks the request against the validation rules above.
//
// # Outputs
//
//   - error: Non-nil with a field-level description when validation fails.
func (r *AssistantChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid assistant chat request: %w", err)
	}
	return nil
}

// CreateThreadRequest is the body of POST /api/ai/threads.
type CreateThreadRequest struct {
	Title string `json:"title,omitempty" validate:"omitempty,max=200"`
}

// Validate checks the request against the validation rules above.
func (r *CreateThreadRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid create thread request: %w", err)
	}
	return nil
}
