package tools

import "time"

// EventType identifies a tool lifecycle event.
type EventType string

const (
	EventToolCallRequested EventType = "TOOL_CALL_REQUESTED"
	EventToolCallCompleted EventType = "TOOL_CALL_COMPLETED"
	EventToolCallFailed    EventType = "TOOL_CALL_FAILED"
)

// Event is a fire-and-forget lifecycle notification from the executor.
// Payloads always carry the tool name and owning task id.
type Event struct {
	Type     EventType `json:"type"`
	ToolName string    `json:"tool_name"`
	TaskID   string    `json:"task_id"`
	CallID   string    `json:"call_id,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// EventSink receives executor lifecycle events. Emit must not block; slow
// consumers should buffer internally.
type EventSink interface {
	Emit(Event)
}

// DiscardSink drops all events. It is the default sink.
var DiscardSink EventSink = discardSink{}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }
