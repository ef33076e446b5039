// Package eventbridge maps database row-change notifications into a
// closed set of semantic events and fans them out to per-run
// subscription queues.
package eventbridge

import "encoding/json"

// Type is one of the AG-UI-style semantic event kinds. The bridge only
// ever emits a closed subset of these; the remaining variants are
// defined so higher layers (the Agent Executor, a future streaming
// consumer) can synthesize additional events of the same vocabulary.
type Type string

const (
	// Lifecycle events.
	RunStarted   Type = "RUN_STARTED"
	RunFinished  Type = "RUN_FINISHED"
	RunError     Type = "RUN_ERROR"
	StepStarted  Type = "STEP_STARTED"
	StepFinished Type = "STEP_FINISHED"

	// Text message events.
	TextMessageStart   Type = "TEXT_MESSAGE_START"
	TextMessageContent Type = "TEXT_MESSAGE_CONTENT"
	TextMessageEnd     Type = "TEXT_MESSAGE_END"

	// Tool call events.
	ToolCallStart Type = "TOOL_CALL_START"
	ToolCallArgs  Type = "TOOL_CALL_ARGS"
	ToolCallEnd   Type = "TOOL_CALL_END"

	// State management events.
	StateSnapshot    Type = "STATE_SNAPSHOT"
	StateDelta       Type = "STATE_DELTA"
	MessagesSnapshot Type = "MESSAGES_SNAPSHOT"

	// Special events.
	Raw    Type = "RAW"
	Custom Type = "CUSTOM"
)

// Event is the wire shape pushed to subscribers: a semantic type, the
// run it belongs to, a timestamp, and an arbitrary JSON data payload
// whose fields depend on Type (delta, error, tool name, ...).
type Event struct {
	Type      Type           `json:"type"`
	RunID     string         `json:"runId"`
	ThreadID  string         `json:"threadId,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Heartbeat builds the synthetic CUSTOM{name:"heartbeat"} event the
// subscription loop emits on every idle 30s tick.
func Heartbeat(runID string, unixMillis int64) Event {
	return Event{
		Type:      Custom,
		RunID:     runID,
		Timestamp: unixMillis,
		Data:      map[string]any{"name": "heartbeat"},
	}
}

// MarshalSSE renders the event as a single Server-Sent-Events frame:
// "data: {json}\n\n".
func (e Event) MarshalSSE() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

// IsTerminal reports whether an event ends a run's subscription: a
// matching RUN_FINISHED or RUN_ERROR closes the stream.
func (e Event) IsTerminal() bool {
	return e.Type == RunFinished || e.Type == RunError
}
