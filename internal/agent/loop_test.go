package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/lakecraft/lakeagent/internal/stream"
	"github.com/lakecraft/lakeagent/pkg/models"
)

// scriptedProvider replays one chunk script per Complete call.
type scriptedProvider struct {
	scripts  [][]*CompletionChunk
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Complete(_ context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx >= len(p.scripts) {
		return nil, fmt.Errorf("no script for call %d", idx)
	}
	ch := make(chan *CompletionChunk, len(p.scripts[idx])+1)
	for _, chunk := range p.scripts[idx] {
		ch <- chunk
	}
	ch <- &CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeTool struct {
	name   string
	schema json.RawMessage
	fn     func(args json.RawMessage) *ToolOutput
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool" }
func (t *fakeTool) Schema() json.RawMessage { return t.schema }
func (t *fakeTool) Execute(_ context.Context, args json.RawMessage) (*ToolOutput, error) {
	return t.fn(args), nil
}

func newTestOrchestrator(provider LLMProvider, registry *ToolRegistry, pub stream.Publisher) *Orchestrator {
	if registry == nil {
		registry = NewToolRegistry()
	}
	return NewOrchestrator(provider, registry, NewMemoryHistory(), pub, TurnConfig{
		Model:    "test-model",
		MaxSteps: 5,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func userMessage(text string) *models.Message {
	return &models.Message{SessionID: "chat-1", Role: models.RoleUser, Content: text}
}

func drainChunks(pub *stream.ChanPublisher) []stream.Chunk {
	var chunks []stream.Chunk
	for {
		select {
		case c := <-pub.Chunks():
			chunks = append(chunks, c)
		default:
			return chunks
		}
	}
}

func drainMessages(pub *stream.ChanPublisher) []*models.Message {
	var msgs []*models.Message
	for {
		select {
		case m := <-pub.Messages():
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestRunTurnStreamsText(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{Text: "Hel"}, {Text: "lo"}},
	}}
	pub := stream.NewChanPublisher(64)
	o := newTestOrchestrator(provider, nil, pub)

	if err := o.RunTurn(context.Background(), userMessage("hi")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	chunks := drainChunks(pub)
	if len(chunks) != 2 || chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Errorf("chunks = %+v", chunks)
	}
	if chunks[0].Text+chunks[1].Text != "Hello" {
		t.Errorf("streamed text = %q%q", chunks[0].Text, chunks[1].Text)
	}

	msgs := drainMessages(pub)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || msgs[0].Content != "Hello" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestToolLoopResetsChunkIndex(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name:   "calculator",
		schema: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}}}`),
		fn: func(json.RawMessage) *ToolOutput {
			return &ToolOutput{Content: "2"}
		},
	})
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{
			{Text: "Let me check."},
			{ToolCall: &CompletionToolCall{ID: "call-1", Name: "calculator", Arguments: json.RawMessage(`{"expression":"1+1"}`)}},
		},
		{{Text: "The answer is 2."}},
	}}
	pub := stream.NewChanPublisher(64)
	o := newTestOrchestrator(provider, registry, pub)

	if err := o.RunTurn(context.Background(), userMessage("what is 1+1?")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	chunks := drainChunks(pub)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	// Both streamed segments start at 0: the completed assistant and tool
	// messages reset the index.
	if chunks[0].Index != 0 || chunks[1].Index != 0 {
		t.Errorf("indices = %d, %d, want 0, 0", chunks[0].Index, chunks[1].Index)
	}

	msgs := drainMessages(pub)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want assistant, tool, assistant", len(msgs))
	}
	if msgs[0].Role != models.RoleAssistant || len(msgs[0].ToolCalls) != 1 {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleTool || msgs[1].Content != "2" || msgs[1].ToolCallID != "call-1" {
		t.Errorf("tool message = %+v", msgs[1])
	}
	if msgs[2].Content != "The answer is 2." {
		t.Errorf("final message = %+v", msgs[2])
	}

	// The second model call sees the tool result.
	if len(provider.requests) != 2 {
		t.Fatalf("provider calls = %d", len(provider.requests))
	}
	last := provider.requests[1].Messages[len(provider.requests[1].Messages)-1]
	if last.ToolResult == nil || last.ToolResult.Content != "2" {
		t.Errorf("tool result not in conversation: %+v", last)
	}
}

func TestErrorResultGetsSchemaDiffAppended(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name:   "calculator",
		schema: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`),
		fn: func(json.RawMessage) *ToolOutput {
			return &ToolOutput{Content: "Error: missing expression", IsError: true}
		},
	})
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{ToolCall: &CompletionToolCall{ID: "call-1", Name: "calculator", Arguments: json.RawMessage(`{"expr":"1+1"}`)}}},
		{{Text: "Sorry about that."}},
	}}
	pub := stream.NewChanPublisher(64)
	o := newTestOrchestrator(provider, registry, pub)

	if err := o.RunTurn(context.Background(), userMessage("calc")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msgs := drainMessages(pub)
	var toolMsg *models.Message
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message published")
	}
	if !strings.HasPrefix(toolMsg.Content, "Error: missing expression") {
		t.Errorf("original text not preserved: %q", toolMsg.Content)
	}
	if !strings.Contains(toolMsg.Content, "Input schema check:") {
		t.Errorf("schema diff not appended: %q", toolMsg.Content)
	}
}

func TestDisplayMetadataIsAdditive(t *testing.T) {
	content := `{"messageContentType":"tool_table","files":["a.csv"],"rows":3}`
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name:   "query",
		schema: json.RawMessage(`{}`),
		fn: func(json.RawMessage) *ToolOutput {
			return &ToolOutput{Content: content}
		},
	})
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{ToolCall: &CompletionToolCall{ID: "c1", Name: "query", Arguments: json.RawMessage(`{}`)}}},
		{{Text: "done"}},
	}}
	pub := stream.NewChanPublisher(64)
	o := newTestOrchestrator(provider, registry, pub)

	if err := o.RunTurn(context.Background(), userMessage("run")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	for _, m := range drainMessages(pub) {
		if m.Role != models.RoleTool {
			continue
		}
		if m.Content != content {
			t.Errorf("content altered: %q", m.Content)
		}
		if m.Display["messageContentType"] != "tool_table" {
			t.Errorf("display = %+v", m.Display)
		}
		return
	}
	t.Fatal("no tool message published")
}

func TestStepBudgetEndsTurnWithoutError(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name:   "noisy",
		schema: json.RawMessage(`{}`),
		fn: func(json.RawMessage) *ToolOutput {
			return &ToolOutput{Content: "again"}
		},
	})
	toolStep := []*CompletionChunk{
		{ToolCall: &CompletionToolCall{Name: "noisy", Arguments: json.RawMessage(`{}`)}},
	}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{toolStep, toolStep, toolStep, toolStep, toolStep}}
	o := NewOrchestrator(provider, registry, NewMemoryHistory(), stream.NopPublisher{}, TurnConfig{
		Model:    "test-model",
		MaxSteps: 2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := o.RunTurn(context.Background(), userMessage("loop")); err != nil {
		t.Fatalf("budget exhaustion must not error: %v", err)
	}
	if len(provider.requests) != 2 {
		t.Errorf("provider calls = %d, want 2", len(provider.requests))
	}
}

func TestStreamFailurePublishedOnceAndReturned(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{Error: errors.New("model unavailable")}},
	}}
	pub := stream.NewChanPublisher(64)
	o := newTestOrchestrator(provider, nil, pub)

	err := o.RunTurn(context.Background(), userMessage("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	var te *TurnError
	if !errors.As(err, &te) || te.Phase != PhaseStreamingModel {
		t.Errorf("error = %v", err)
	}

	chunks := drainChunks(pub)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want single error chunk", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "model unavailable") {
		t.Errorf("error chunk = %q", chunks[0].Text)
	}
}

func TestTurnListenersRemovedAtTurnEnd(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{Text: "one"}},
		{{Text: "two"}},
	}}
	o := newTestOrchestrator(provider, nil, stream.NopPublisher{})

	var firstTurnEvents int
	if err := o.RunTurn(context.Background(), userMessage("a"), func(models.TurnEvent) {
		firstTurnEvents++
	}); err != nil {
		t.Fatal(err)
	}
	seen := firstTurnEvents

	if err := o.RunTurn(context.Background(), userMessage("b")); err != nil {
		t.Fatal(err)
	}
	if firstTurnEvents != seen {
		t.Error("turn-scoped listener survived into the next turn")
	}
	if seen == 0 {
		t.Error("turn-scoped listener saw no events")
	}
}

func TestTurnEventsIncludeTypes(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&fakeTool{
		name:   "echo",
		schema: json.RawMessage(`{}`),
		fn: func(json.RawMessage) *ToolOutput {
			return &ToolOutput{Content: "ok"}
		},
	})
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{Text: "hm"}, {ToolCall: &CompletionToolCall{Name: "echo", Arguments: json.RawMessage(`{}`)}}},
		{{Text: "done"}},
	}}
	o := newTestOrchestrator(provider, registry, stream.NopPublisher{})

	var types []models.TurnEventType
	if err := o.RunTurn(context.Background(), userMessage("go"), func(ev models.TurnEvent) {
		types = append(types, ev.Type)
	}); err != nil {
		t.Fatal(err)
	}

	want := map[models.TurnEventType]bool{
		models.EventTokenDelta:   false,
		models.EventAgentMessage: false,
		models.EventToolResult:   false,
		models.EventTurnEnd:      false,
	}
	for _, typ := range types {
		want[typ] = true
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("event type %s never emitted", typ)
		}
	}
	if types[len(types)-1] != models.EventTurnEnd {
		t.Errorf("last event = %s, want turn_end", types[len(types)-1])
	}
}
