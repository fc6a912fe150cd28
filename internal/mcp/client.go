package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Client calls an MCP server through the bridge. The bridge endpoint does
// the SigV4 signing; the client supplies the real target URL and the API
// key headers the gateway expects.
type Client struct {
	bridgeURL string
	targetURL string
	apiKey    string
	client    *http.Client
	logger    *slog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BridgeURL is the local proxy endpoint, e.g. http://127.0.0.1:3010/proxy.
	BridgeURL string
	// TargetURL is the real MCP server the bridge forwards to.
	TargetURL string
	APIKey    string
}

// NewClient builds a bridge-routed MCP client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		bridgeURL: cfg.BridgeURL,
		targetURL: cfg.TargetURL,
		apiKey:    cfg.APIKey,
		client:    &http.Client{},
		logger:    logger.With("component", "mcp"),
	}
}

// Call performs one JSON-RPC round trip.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.bridgeURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("target-url", c.targetURL)
	if c.apiKey != "" {
		httpReq.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp: %s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp: %s: server error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// ListTools fetches the remote tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	result, err := c.Call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var listed ListToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/list result: %w", err)
	}
	c.logger.Info("discovered remote tools", "count", len(listed.Tools))
	return listed.Tools, nil
}

// CallTool invokes one remote tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	result, err := c.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/call result: %w", err)
	}
	return &callResult, nil
}
