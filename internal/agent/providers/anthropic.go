package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/lakecraft/lakeagent/internal/agent"
)

// maxEmptyStreamEvents bounds how many consecutive no-op SSE events are
// tolerated before the stream is treated as malformed.
const maxEmptyStreamEvents = 50

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	base
}

// AnthropicConfig configures the provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropicProvider builds the provider. The API key is required.
func NewAnthropicProvider(cfg AnthropicConfig, logger *slog.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		base:   newBase(logger, "anthropic"),
	}, nil
}

func (p *AnthropicProvider) Name() string        { return "anthropic" }
func (p *AnthropicProvider) SupportsTools() bool { return true }

func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		err := p.withRetry(ctx, func() error {
			stream := p.client.Messages.NewStreaming(ctx, params)
			return p.processStream(stream, chunks, req.Model)
		}, anthropicRetryable)
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: err, Done: true}
		}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream forwards SSE events as chunks. A nil return means the
// stream completed; retryable transport errors are returned so withRetry
// can reopen the stream before anything was emitted.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) error {
	var current *agent.CompletionToolCall
	var inputBuilder strings.Builder
	emptyEvents := 0
	emitted := false

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &agent.CompletionToolCall{ID: toolUse.ID, Name: toolUse.Name}
				inputBuilder.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					emitted = true
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					inputBuilder.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = toolArguments(inputBuilder.String())
				chunks <- &agent.CompletionChunk{ToolCall: current}
				current = nil
				inputBuilder.Reset()
				emitted = true
				processed = true
			}

		case "message_start", "message_delta":
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true}
			return nil

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(errors.New("stream error event"), model),
				Done:  true,
			}
			return nil
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.CompletionChunk{
					Error: p.wrapError(fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents), model),
					Done:  true,
				}
				return nil
			}
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := p.wrapError(err, model)
		if !emitted && anthropicRetryable(wrapped) {
			return wrapped
		}
		chunks <- &agent.CompletionChunk{Error: wrapped, Done: true}
		return nil
	}
	chunks <- &agent.CompletionChunk{Done: true}
	return nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   "anthropic",
			Model:      model,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Cause:      err,
		}
	}
	return &ProviderError{Provider: "anthropic", Model: model, Message: err.Error(), Cause: err}
}

func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" && msg.ToolResult == nil {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.ToolResult != nil {
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolResult.ToolCallID,
				msg.ToolResult.Content,
				msg.ToolResult.IsError,
			))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results travel as user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(defs []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		result = append(result, param)
	}
	return result, nil
}

func anthropicRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		return retryableStatus(pe.StatusCode)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "overloaded", "429", "500", "502", "503", "504", "529", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
