package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lakecraft/lakeagent/internal/agent"
)

// ToolAdapter exposes a remote MCP tool as an agent.Tool.
type ToolAdapter struct {
	client *Client
	tool   RemoteTool
	name   string
}

// NewToolAdapter wraps one remote tool. Names are sanitized to the
// character set model providers accept.
func NewToolAdapter(client *Client, tool RemoteTool) *ToolAdapter {
	return &ToolAdapter{
		client: client,
		tool:   tool,
		name:   safeToolName(tool.Name),
	}
}

func (a *ToolAdapter) Name() string { return a.name }

func (a *ToolAdapter) Description() string {
	if a.tool.Description != "" {
		return a.tool.Description
	}
	return "Remote tool " + a.tool.Name
}

func (a *ToolAdapter) Schema() json.RawMessage {
	if len(a.tool.InputSchema) > 0 {
		return a.tool.InputSchema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (a *ToolAdapter) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolOutput, error) {
	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return &agent.ToolOutput{
				Content: fmt.Sprintf("Error: arguments are not a JSON object: %v", err),
				IsError: true,
			}, nil
		}
	}
	result, err := a.client.CallTool(ctx, a.tool.Name, params)
	if err != nil {
		return nil, err
	}
	return &agent.ToolOutput{
		Content: flattenContent(result.Content),
		IsError: result.IsError,
	}, nil
}

// Adapt wraps every remote tool for the registry.
func Adapt(client *Client, tools []RemoteTool) []agent.Tool {
	adapted := make([]agent.Tool, 0, len(tools))
	for _, tool := range tools {
		adapted = append(adapted, NewToolAdapter(client, tool))
	}
	return adapted
}

// flattenContent joins text content elements; non-text elements are noted
// by type so nothing silently disappears.
func flattenContent(content []ToolContent) string {
	var parts []string
	for _, c := range content {
		if c.Type == "text" || c.Text != "" {
			parts = append(parts, c.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s content]", c.Type))
	}
	return strings.Join(parts, "\n")
}

// safeToolName keeps letters, digits, underscores, and hyphens, and caps
// the length providers allow.
func safeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "tool"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
