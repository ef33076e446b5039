// Package session implements the Session/State Engine: session CRUD,
// atomic event append with optimistic concurrency, and prefix-routed
// scoped state.
package session

import (
	"encoding/json"
	"time"
)

// Author tags who produced an Event.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
	AuthorTool      Author = "tool"
	AuthorSystem    Author = "system"
)

// EventType tags the kind of an Event.
type EventType string

const (
	EventMessage     EventType = "message"
	EventToolCall    EventType = "tool_call"
	EventStateUpdate EventType = "state_update"
)

// Session is the persistent container of one conversation's state and
// event log, scoped by (AppName, UserID).
type Session struct {
	ID        string
	AppName   string
	UserID    string
	State     map[string]any
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is an immutable, totally-ordered entry in a session's log.
type Event struct {
	ID           string
	SessionID    string
	SequenceNum  int
	InvocationID string
	Author       Author
	EventType    EventType
	Content      json.RawMessage
	Actions      Actions
	CreatedAt    time.Time
}

// Actions carries optional side effects of an event, of which the only
// one the engine interprets is StateDelta.
type Actions struct {
	StateDelta map[string]any `json:"state_delta,omitempty"`
	Raw        json.RawMessage
}

// MarshalJSON emits StateDelta merged with any other raw fields the
// caller attached, so round-tripping through the actions column does
// not lose unrecognized keys.
func (a Actions) MarshalJSON() ([]byte, error) {
	base := map[string]any{}
	if len(a.Raw) > 0 {
		_ = json.Unmarshal(a.Raw, &base)
	}
	if len(a.StateDelta) > 0 {
		base["state_delta"] = a.StateDelta
	}
	return json.Marshal(base)
}

// UnmarshalJSON extracts state_delta while keeping the raw payload for
// forward compatibility with fields the engine does not interpret.
func (a *Actions) UnmarshalJSON(data []byte) error {
	a.Raw = append(json.RawMessage(nil), data...)
	var wrapper struct {
		StateDelta map[string]any `json:"state_delta"`
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	a.StateDelta = wrapper.StateDelta
	return nil
}

// HasStateDelta reports whether Actions carries a non-empty state delta.
func (a Actions) HasStateDelta() bool {
	return len(a.StateDelta) > 0
}
