package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lakecraft/lakeagent/internal/stream"
	"github.com/lakecraft/lakeagent/pkg/models"
)

// TurnPhase names the state a turn is in. Phases advance
// LOADING_HISTORY -> STREAMING_MODEL_OUTPUT <-> INVOKING_TOOL ->
// PUBLISHING_RESULT -> DONE, or to ERROR from anywhere.
type TurnPhase string

const (
	PhaseLoadingHistory TurnPhase = "LOADING_HISTORY"
	PhaseStreamingModel TurnPhase = "STREAMING_MODEL_OUTPUT"
	PhaseInvokingTool   TurnPhase = "INVOKING_TOOL"
	PhasePublishing     TurnPhase = "PUBLISHING_RESULT"
	PhaseDone           TurnPhase = "DONE"
	PhaseError          TurnPhase = "ERROR"
)

// TurnError wraps a failure with the phase it happened in.
type TurnError struct {
	Phase TurnPhase
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s: %v", e.Phase, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// TurnConfig bounds a turn.
type TurnConfig struct {
	Model        string
	SystemPrompt string
	// MaxSteps caps model/tool round trips per turn.
	MaxSteps     int
	MaxTokens    int
	HistoryLimit int
}

// Listener observes turn events. Listeners registered for a turn are
// removed when the turn ends, success or failure.
type Listener func(models.TurnEvent)

// Orchestrator runs turns against a provider, a tool registry, and a
// publisher.
type Orchestrator struct {
	provider  LLMProvider
	registry  *ToolRegistry
	history   History
	publisher stream.Publisher
	cfg       TurnConfig
	logger    *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener

	schemaMu sync.Mutex
	schemas  map[string]ToolSchema
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(provider LLMProvider, registry *ToolRegistry, history History, publisher stream.Publisher, cfg TurnConfig, logger *slog.Logger) *Orchestrator {
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 10
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if publisher == nil {
		publisher = stream.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:  provider,
		registry:  registry,
		history:   history,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
		listeners: make(map[int]Listener),
		schemas:   make(map[string]ToolSchema),
	}
}

// AddListener registers a process-wide listener and returns its id.
func (o *Orchestrator) AddListener(fn Listener) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.listeners[o.nextID] = fn
	return o.nextID
}

// RemoveListener drops a listener by id.
func (o *Orchestrator) RemoveListener(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.listeners, id)
}

func (o *Orchestrator) emit(ev models.TurnEvent) {
	o.mu.Lock()
	fns := make([]Listener, 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// RunTurn processes one user message to completion. Extra listeners are
// registered for the duration of this turn only. Any failure is published
// to the session as a single chunk before being returned.
func (o *Orchestrator) RunTurn(ctx context.Context, userMsg *models.Message, turnListeners ...Listener) (err error) {
	ids := make([]int, 0, len(turnListeners))
	for _, fn := range turnListeners {
		ids = append(ids, o.AddListener(fn))
	}
	defer func() {
		for _, id := range ids {
			o.RemoveListener(id)
		}
	}()

	seg := stream.NewSegment(userMsg.SessionID, o.publisher)

	defer func() {
		if r := recover(); r != nil {
			err = &TurnError{Phase: PhaseError, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			// One chunk carrying the full failure detail, then the error
			// goes back to the caller.
			seg.Send(ctx, fmt.Sprintf("Error: %+v", err))
			o.logger.Error("turn failed", "session", userMsg.SessionID, "error", err)
		}
		o.emit(models.TurnEvent{Type: models.EventTurnEnd, Err: err})
	}()

	return o.runTurn(ctx, userMsg, seg)
}

func (o *Orchestrator) runTurn(ctx context.Context, userMsg *models.Message, seg *stream.Segment) error {
	sessionID := userMsg.SessionID
	ctx = WithSession(ctx, sessionID)

	// LOADING_HISTORY
	if userMsg.ID == "" {
		userMsg.ID = uuid.NewString()
	}
	if userMsg.CreatedAt.IsZero() {
		userMsg.CreatedAt = time.Now()
	}
	if err := o.history.Append(ctx, userMsg); err != nil {
		return &TurnError{Phase: PhaseLoadingHistory, Err: err}
	}
	msgs, err := o.history.GetHistory(ctx, sessionID, o.cfg.HistoryLimit)
	if err != nil {
		return &TurnError{Phase: PhaseLoadingHistory, Err: err}
	}
	conversation := toCompletionMessages(repairHistory(msgs))

	var tools []ToolDefinition
	if o.provider.SupportsTools() {
		tools = o.registry.Definitions()
	}

	for step := 0; step < o.cfg.MaxSteps; step++ {
		// STREAMING_MODEL_OUTPUT
		chunks, err := o.provider.Complete(ctx, &CompletionRequest{
			Model:     o.cfg.Model,
			System:    o.cfg.SystemPrompt,
			Messages:  conversation,
			Tools:     tools,
			MaxTokens: o.cfg.MaxTokens,
		})
		if err != nil {
			return &TurnError{Phase: PhaseStreamingModel, Err: err}
		}

		var text string
		var calls []CompletionToolCall
		for chunk := range chunks {
			if chunk.Error != nil {
				return &TurnError{Phase: PhaseStreamingModel, Err: chunk.Error}
			}
			if chunk.Text != "" {
				text += chunk.Text
				o.emit(models.TurnEvent{Type: models.EventTokenDelta, Delta: chunk.Text})
				seg.Send(ctx, chunk.Text)
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		}

		// PUBLISHING_RESULT: the completed assistant message closes the
		// current chunk segment.
		assistant := &models.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   text,
			CreatedAt: time.Now(),
		}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
		}
		if err := o.history.Append(ctx, assistant); err != nil {
			return &TurnError{Phase: PhasePublishing, Err: err}
		}
		seg.Reset()
		if err := o.publisher.PublishMessage(ctx, assistant); err != nil {
			o.logger.Warn("publish assistant message", "session", sessionID, "error", err)
		}
		o.emit(models.TurnEvent{Type: models.EventAgentMessage, Message: assistant})

		conversation = append(conversation, CompletionMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			return nil
		}

		// INVOKING_TOOL
		for i := range calls {
			call := &calls[i]
			toolMsg, result := o.invokeTool(ctx, sessionID, call)
			if err := o.history.Append(ctx, toolMsg); err != nil {
				return &TurnError{Phase: PhasePublishing, Err: err}
			}
			seg.Reset()
			if err := o.publisher.PublishMessage(ctx, toolMsg); err != nil {
				o.logger.Warn("publish tool message", "session", sessionID, "error", err)
			}
			mc := models.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
			o.emit(models.TurnEvent{Type: models.EventToolResult, Message: toolMsg, Call: &mc})
			conversation = append(conversation, CompletionMessage{
				Role:       "tool",
				ToolResult: result,
			})
		}
	}

	o.logger.Warn("step budget exhausted", "session", sessionID, "max_steps", o.cfg.MaxSteps)
	return nil
}

// invokeTool runs one tool call and shapes its outcome into a tool message
// and a completion result. Error-signaling content gets the schema diff
// appended; the original text is never replaced.
func (o *Orchestrator) invokeTool(ctx context.Context, sessionID string, call *CompletionToolCall) (*models.Message, *CompletionToolResult) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	out, _ := o.registry.Execute(ctx, call.Name, call.Arguments)

	content := out.Content
	isError := out.IsError || signalsError(content)
	if isError {
		content = AppendSchemaDiff(content, o.schemaFor(call.Name), call.Arguments)
	}

	display := out.Display
	if meta := parseDisplayMetadata(out.Content); meta != nil {
		if display == nil {
			display = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			if _, exists := display[k]; !exists {
				display[k] = v
			}
		}
	}

	toolMsg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Display:    display,
		CreatedAt:  time.Now(),
	}
	return toolMsg, &CompletionToolResult{
		ToolCallID: call.ID,
		Content:    content,
		IsError:    isError,
	}
}

// schemaFor compiles and caches a tool's input schema.
func (o *Orchestrator) schemaFor(name string) ToolSchema {
	o.schemaMu.Lock()
	defer o.schemaMu.Unlock()
	if schema, ok := o.schemas[name]; ok {
		return schema
	}
	var raw json.RawMessage
	if tool, ok := o.registry.Get(name); ok {
		raw = tool.Schema()
	}
	schema := CompileToolSchema(raw)
	o.schemas[name] = schema
	return schema
}

// parseDisplayMetadata lifts a messageContentType discriminator out of JSON
// tool content into side-channel display hints. The content itself is
// untouched; unknown discriminators produce nothing.
func parseDisplayMetadata(content string) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil
	}
	contentType, _ := payload["messageContentType"].(string)
	switch contentType {
	case "tool_table", "analytic_job_result", "pyspark_result":
	default:
		return nil
	}
	meta := map[string]any{"messageContentType": contentType}
	if files, ok := payload["files"]; ok {
		meta["files"] = files
	}
	return meta
}

// toCompletionMessages maps stored history onto the provider conversation.
func toCompletionMessages(msgs []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			out = append(out, CompletionMessage{Role: "user", Content: msg.Content})
		case models.RoleAssistant:
			cm := CompletionMessage{Role: "assistant", Content: msg.Content}
			for _, call := range msg.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, CompletionToolCall{
					ID:        call.ID,
					Name:      call.Name,
					Arguments: call.Arguments,
				})
			}
			out = append(out, cm)
		case models.RoleTool:
			out = append(out, CompletionMessage{
				Role: "tool",
				ToolResult: &CompletionToolResult{
					ToolCallID: msg.ToolCallID,
					Content:    msg.Content,
					IsError:    signalsError(msg.Content),
				},
			})
		}
	}
	return out
}
