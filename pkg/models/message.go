// Package models defines the shared message and event types exchanged
// between the orchestrator, tools, and publishers.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is a single conversation entry. Tool invocations requested by the
// model ride on assistant messages; their outcomes arrive as tool messages
// carrying the matching ToolCallID.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	// Display carries additive presentation hints (for example a
	// messageContentType discriminator) and never alters Content.
	Display    map[string]any `json:"display,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// HasContent reports whether the message carries anything a model can
// consume. Messages with tool calls or a tool linkage count even when the
// text body is empty.
func (m *Message) HasContent() bool {
	return m.Content != "" || len(m.ToolCalls) > 0 || m.ToolCallID != ""
}
