package eventbridge

import (
	"encoding/json"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/pgnotify"
)

// rowPayload is the shape of the "data" field the table triggers emit;
// only the fields the mapping needs are extracted, the rest is ignored.
type rowPayload struct {
	RunID      string          `json:"run_id"`
	ThreadID   string          `json:"thread_id"`
	Status     string          `json:"status"`
	Error      string          `json:"error"`
	EventType  string          `json:"event_type"`
	Content    json.RawMessage `json:"content"`
	ToolName   string          `json:"tool_name"`
	StateDelta json.RawMessage `json:"state_delta"`
}

// mapPayload translates one notify.Payload into at most one semantic
// Event. Unknown table/operation pairs yield ok=false and are silently
// dropped by the caller.
func mapPayload(p pgnotify.Payload) (Event, bool) {
	var row rowPayload
	if len(p.Data) > 0 {
		_ = json.Unmarshal(p.Data, &row)
	}
	now := time.Now().UnixMilli()

	switch p.Table {
	case "runs":
		switch p.Operation {
		case "INSERT":
			return Event{Type: RunStarted, RunID: row.RunID, ThreadID: row.ThreadID, Timestamp: now}, true
		case "UPDATE":
			switch row.Status {
			case "completed":
				return Event{Type: RunFinished, RunID: row.RunID, ThreadID: row.ThreadID, Timestamp: now}, true
			case "failed":
				return Event{
					Type: RunError, RunID: row.RunID, ThreadID: row.ThreadID, Timestamp: now,
					Data: map[string]any{"error": row.Error},
				}, true
			}
		}
	case "events":
		if p.Operation == "INSERT" {
			switch row.EventType {
			case "message":
				return Event{
					Type: TextMessageContent, RunID: row.RunID, ThreadID: row.ThreadID, Timestamp: now,
					Data: map[string]any{"delta": string(row.Content)},
				}, true
			case "tool_call":
				return Event{
					Type: ToolCallStart, RunID: row.RunID, ThreadID: row.ThreadID, Timestamp: now,
					Data: map[string]any{"tool_name": row.ToolName},
				}, true
			}
		}
	case "threads":
		if p.Operation == "UPDATE" && len(row.StateDelta) > 0 && string(row.StateDelta) != "null" {
			var ops any
			_ = json.Unmarshal(row.StateDelta, &ops)
			return Event{
				Type: StateDelta, RunID: row.RunID, ThreadID: row.ThreadID, Timestamp: now,
				Data: map[string]any{"ops": ops},
			}, true
		}
	}
	return Event{}, false
}
