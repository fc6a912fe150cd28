package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

const (
	maxToolNameLength = 64
	maxArgumentsBytes = 1 << 20
)

// ToolRegistry holds the tools a turn may invoke. Registration happens at
// startup and on first remote discovery; lookups are concurrent.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the previous tool.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if len(name) > maxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name, maxToolNameLength)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions to advertise to the model.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a named tool. Unknown tools and oversized arguments come
// back as error outputs rather than hard failures so the model can retry.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (*ToolOutput, error) {
	if len(args) > maxArgumentsBytes {
		return &ToolOutput{
			Content: fmt.Sprintf("Error: arguments for %q exceed %d bytes", name, maxArgumentsBytes),
			IsError: true,
		}, nil
	}
	tool, ok := r.Get(name)
	if !ok {
		return &ToolOutput{
			Content: fmt.Sprintf("Error: unknown tool %q", name),
			IsError: true,
		}, nil
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		return &ToolOutput{
			Content: fmt.Sprintf("Error executing %s: %v", name, err),
			IsError: true,
		}, nil
	}
	if out == nil {
		out = &ToolOutput{}
	}
	return out, nil
}
