// Package agent runs conversation turns: it streams model output, invokes
// tools the model requests, and publishes the results.
package agent

import (
	"context"
	"encoding/json"
)

// LLMProvider streams completions from a model backend.
type LLMProvider interface {
	// Name returns the provider identifier.
	Name() string
	// Complete streams a completion. The returned channel closes when the
	// completion finishes or fails; a failed completion delivers a chunk
	// with Error set before closing.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// CompletionRequest is a single model invocation.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolDefinition
	MaxTokens int
}

// CompletionMessage is one entry of the model conversation.
type CompletionMessage struct {
	Role    string
	Content string
	// ToolCalls are attached to assistant messages that requested tools.
	ToolCalls []CompletionToolCall
	// ToolResult marks a tool-role message carrying an invocation outcome.
	ToolResult *CompletionToolResult
}

// CompletionToolCall is a tool invocation requested by the model.
type CompletionToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// CompletionToolResult carries a tool outcome back to the model.
type CompletionToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// CompletionChunk is one streamed element of a completion.
type CompletionChunk struct {
	// Text is an incremental slice of assistant output.
	Text string
	// ToolCall is a fully accumulated tool invocation request.
	ToolCall *CompletionToolCall
	// Done marks the final chunk.
	Done bool
	// Error reports a failed stream.
	Error error
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Tool is an invocable capability.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema for the tool's arguments.
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*ToolOutput, error)
}

// ToolOutput is what a tool returns.
type ToolOutput struct {
	Content string
	// IsError marks outputs that describe a failure. The content still
	// goes back to the model so it can react.
	IsError bool
	// Display carries additive presentation hints for the published
	// message.
	Display map[string]any
}
