// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools holds the assistant's tool registry and its built-in tools.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/observability"
)

// Tool is one capability the model may invoke during a turn.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters returns the JSON Schema of the tool's arguments.
	Parameters() map[string]any

	// Execute runs the tool. The returned value must be JSON-serializable.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry maps tool names to implementations.
//
// # Thread Safety
//
// Populated once at startup, read-only afterwards. Safe for concurrent reads.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool, or false when unknown.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs the named tool and never returns an error to the generation
// loop: failures are encoded as an object with an "error" field so the model
// can read them and the pipeline can classify the result as failed.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) any {
	t, ok := r.tools[name]
	if !ok {
		slog.Warn("Model requested unknown tool", "tool", name)
		observability.DefaultMetrics.RecordToolInvocation(name, false)
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", name)}
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		slog.Warn("Tool execution failed", "tool", name, "error", err)
		observability.DefaultMetrics.RecordToolInvocation(name, false)
		return map[string]any{"error": err.Error()}
	}
	observability.DefaultMetrics.RecordToolInvocation(name, true)
	return result
}
