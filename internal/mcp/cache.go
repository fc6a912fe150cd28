package mcp

import (
	"context"
	"sync"

	"github.com/lakecraft/lakeagent/internal/agent"
)

// ToolCache resolves the remote tool list once and keeps it for the process
// lifetime. There is no expiry: the remote catalog changes only on redeploy,
// and a process restart picks up the new list. Only a successful discovery
// is latched; a failed attempt is returned to the caller and retried on the
// next GetOrInit, so a transient outage on the first turn does not disable
// remote tools for good.
type ToolCache struct {
	mu       sync.Mutex
	resolved bool
	tools    []agent.Tool
}

// GetOrInit returns the cached tool list, running discover until the first
// success. Concurrent callers serialize; at most one discovery runs at a
// time.
func (c *ToolCache) GetOrInit(ctx context.Context, discover func(context.Context) ([]agent.Tool, error)) ([]agent.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return c.tools, nil
	}
	tools, err := discover(ctx)
	if err != nil {
		return nil, err
	}
	c.resolved = true
	c.tools = tools
	return c.tools, nil
}
