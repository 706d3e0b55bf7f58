// Package executor provides the agent executor abstraction layer.
//
// executor.go - AgentExecutor and Factory interface definitions
//
// AgentExecutor is the opaque collaborator that performs the actual
// reasoning and tool use for one invocation. The orchestration core only
// depends on its typed Result and on the incremental Stream callbacks.
package executor

import (
	"context"

	"github.com/loomworks/loom/internal/bundle"
)

// Stream receives incremental output during an invocation. The driver
// adapts it onto the session's event channel.
type Stream interface {
	// ContentChunk delivers a fragment of user-visible output.
	ContentChunk(text string)

	// Reasoning delivers intermediate reasoning text from a named agent.
	Reasoning(agent, text string)

	// ToolCall reports the start of a tool invocation.
	ToolCall(name, id string, args map[string]any)

	// ToolResult reports the completion of a tool invocation.
	ToolResult(name, id, output string, isError bool)
}

// AgentExecutor performs one invocation against one model. A fresh
// instance is constructed per attempt so that usage accounting never
// bleeds between attempts.
type AgentExecutor interface {
	// Execute runs the request against the configured model. Failures the
	// executor can classify are returned inside Result.Err with a nil
	// error; the error return is reserved for faults outside the
	// executor's control (canceled context, transport loss).
	Execute(ctx context.Context, req *Request, bnd *bundle.ContextBundle, stream Stream) (*Result, error)

	// AccumulatedUsage returns the usage recorded by this instance so far.
	AccumulatedUsage() Usage
}

// Factory constructs a new executor for a given model. One executor per
// attempt; the factory owns provider wiring.
type Factory interface {
	New(model string) AgentExecutor
}
