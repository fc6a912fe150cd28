package models

// TurnEventType discriminates the events emitted while a turn runs.
type TurnEventType string

const (
	// EventTokenDelta is an incremental slice of streamed model text.
	EventTokenDelta TurnEventType = "token_delta"
	// EventAgentMessage is a completed assistant message.
	EventAgentMessage TurnEventType = "agent_message"
	// EventToolResult is a completed tool invocation outcome.
	EventToolResult TurnEventType = "tool_result"
	// EventTurnEnd closes the stream; Err is set when the turn failed.
	EventTurnEnd TurnEventType = "turn_end"
)

// TurnEvent is one element of the typed event stream a turn produces. The
// consumer drives publishing from these; producers never publish directly.
type TurnEvent struct {
	Type    TurnEventType
	Delta   string
	Message *Message
	// Call is the invocation that produced a tool result event.
	Call *ToolCall
	Err  error
}
