// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine drives multi-step model generation and translates provider
// streams into the internal generation-event vocabulary.
package engine

import (
	"context"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
)

// Request describes one assistant turn to generate.
type Request struct {
	// Model overrides the engine's default model when non-empty.
	Model string

	// System is the system prompt for the turn.
	System string

	// History is the conversation so far, oldest first, ending with the
	// user message that triggered this turn.
	History []datatypes.ChatMessage
}

// EmitFunc receives generation events in stream order. It is invoked
// sequentially from a single goroutine; a non-nil return aborts the stream
// (the client is gone or the output pipe failed).
type EmitFunc func(ev datatypes.GenerationEvent) error

// Engine generates one assistant turn as an ordered event stream.
type Engine interface {
	// Stream runs the generation loop, executing tool calls between steps,
	// until the model produces a final answer, ctx is cancelled, or the step
	// bound is hit.
	//
	// # Outputs
	//
	//   - error: Provider/transport failures, ctx.Err() on cancellation, or
	//     the error returned by emit. Nil on normal completion.
	Stream(ctx context.Context, req Request, emit EmitFunc) error
}
