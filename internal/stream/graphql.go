package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/lakecraft/lakeagent/internal/signing"
	"github.com/lakecraft/lakeagent/pkg/models"
)

const publishChunkMutation = `mutation PublishChunk($chatSessionId: ID!, $chunkText: String!, $index: Int!) {
  publishResponseStreamChunk(chatSessionId: $chatSessionId, chunkText: $chunkText, index: $index) {
    chatSessionId
    index
  }
}`

const createMessageMutation = `mutation CreateMessage($chatSessionId: ID!, $role: String!, $content: String!, $toolCallId: String, $toolName: String, $metadata: AWSJSON) {
  createChatMessage(chatSessionId: $chatSessionId, role: $role, content: $content, toolCallId: $toolCallId, toolName: $toolName, metadata: $metadata) {
    id
  }
}`

// GraphQLPublisher delivers chunks and messages through a GraphQL endpoint.
// When a signer is attached, requests are SigV4-signed for IAM-authorized
// APIs.
type GraphQLPublisher struct {
	endpoint string
	client   *http.Client
	signer   *signing.Signer
	region   string
	logger   *slog.Logger
}

// GraphQLOption configures a GraphQLPublisher.
type GraphQLOption func(*GraphQLPublisher)

// WithSigner signs publish requests for the given region.
func WithSigner(signer *signing.Signer, region string) GraphQLOption {
	return func(p *GraphQLPublisher) {
		p.signer = signer
		p.region = region
	}
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(client *http.Client) GraphQLOption {
	return func(p *GraphQLPublisher) { p.client = client }
}

// NewGraphQLPublisher builds a publisher for the given endpoint.
func NewGraphQLPublisher(endpoint string, logger *slog.Logger, opts ...GraphQLOption) *GraphQLPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &GraphQLPublisher{
		endpoint: endpoint,
		client:   &http.Client{},
		logger:   logger.With("component", "publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GraphQLPublisher) PublishChunk(ctx context.Context, chunk Chunk) error {
	err := p.execute(ctx, publishChunkMutation, map[string]any{
		"chatSessionId": chunk.SessionID,
		"chunkText":     chunk.Text,
		"index":         chunk.Index,
	})
	if err != nil {
		p.logger.Warn("publish chunk failed", "session", chunk.SessionID, "index", chunk.Index, "error", err)
	}
	return err
}

func (p *GraphQLPublisher) PublishMessage(ctx context.Context, msg *models.Message) error {
	vars := map[string]any{
		"chatSessionId": msg.SessionID,
		"role":          string(msg.Role),
		"content":       msg.Content,
	}
	if msg.ToolCallID != "" {
		vars["toolCallId"] = msg.ToolCallID
	}
	if msg.ToolName != "" {
		vars["toolName"] = msg.ToolName
	}
	if len(msg.Display) > 0 {
		meta, err := json.Marshal(msg.Display)
		if err == nil {
			vars["metadata"] = string(meta)
		}
	}
	err := p.execute(ctx, createMessageMutation, vars)
	if err != nil {
		p.logger.Warn("publish message failed", "session", msg.SessionID, "role", msg.Role, "error", err)
	}
	return err
}

func (p *GraphQLPublisher) execute(ctx context.Context, query string, variables map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.signer != nil {
		if err := p.signer.SignHTTP(ctx, req, body, "appsync", p.region); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, data)
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", result.Errors[0].Message)
	}
	return nil
}
