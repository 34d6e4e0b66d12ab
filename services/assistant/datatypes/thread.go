// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the persisted conversation types: threads, messages and
// the tool-call metadata attached to assistant messages.
package datatypes

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Thread is one assistant conversation owned by a user.
//
// # Fields
//
//   - ID: Thread identifier (UUID v4).
//   - UserID: Owning user. Threads are never shared between users.
//   - Title: Display title. Empty until the first assistant turn completes,
//     at which point it is auto-derived from the user's triggering message.
//   - CreatedAt/UpdatedAt: Unix timestamps in milliseconds (UTC).
type Thread struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ToolCallRecord is one correlated tool invocation persisted on an assistant
// message: the tool name, its parsed arguments, and (when a result arrived
// and was matched) the result value.
type ToolCallRecord struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
}

// Message is one persisted transcript entry in a thread.
//
// # Description
//
// User messages carry only Role and Content. Assistant messages additionally
// carry the ordered tool invocations of the turn (omitted if none) and the
// chart specs produced by successfully-evaluated charting tool results
// (omitted if none).
//
// # Assumptions
//
//   - CreatedAt is Unix milliseconds (UTC); messages within a thread are
//     ordered by insertion sequence, not by timestamp.
type Message struct {
	ID         string           `json:"id"`
	ThreadID   string           `json:"threadId"`
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []ToolCallRecord `json:"toolCalls,omitempty"`
	ChartSpecs []any            `json:"chartSpecs,omitempty"`
	CreatedAt  int64            `json:"createdAt"`
}
