package eventbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/pgnotify"
)

func TestMapPayload_ClosedVocabulary(t *testing.T) {
	cases := []struct {
		name     string
		payload  pgnotify.Payload
		wantOK   bool
		wantType Type
	}{
		{
			name:     "run insert",
			payload:  pgnotify.Payload{Table: "runs", Operation: "INSERT", Data: json.RawMessage(`{"run_id":"r1"}`)},
			wantOK:   true,
			wantType: RunStarted,
		},
		{
			name:     "run completed",
			payload:  pgnotify.Payload{Table: "runs", Operation: "UPDATE", Data: json.RawMessage(`{"run_id":"r1","status":"completed"}`)},
			wantOK:   true,
			wantType: RunFinished,
		},
		{
			name:     "run failed",
			payload:  pgnotify.Payload{Table: "runs", Operation: "UPDATE", Data: json.RawMessage(`{"run_id":"r1","status":"failed","error":"boom"}`)},
			wantOK:   true,
			wantType: RunError,
		},
		{
			name:    "run update in-progress is dropped",
			payload: pgnotify.Payload{Table: "runs", Operation: "UPDATE", Data: json.RawMessage(`{"run_id":"r1","status":"running"}`)},
			wantOK:  false,
		},
		{
			name:     "message event",
			payload:  pgnotify.Payload{Table: "events", Operation: "INSERT", Data: json.RawMessage(`{"run_id":"r1","event_type":"message","content":"hi"}`)},
			wantOK:   true,
			wantType: TextMessageContent,
		},
		{
			name:     "tool call event",
			payload:  pgnotify.Payload{Table: "events", Operation: "INSERT", Data: json.RawMessage(`{"run_id":"r1","event_type":"tool_call","tool_name":"search"}`)},
			wantOK:   true,
			wantType: ToolCallStart,
		},
		{
			name:     "state update",
			payload:  pgnotify.Payload{Table: "threads", Operation: "UPDATE", Data: json.RawMessage(`{"run_id":"r1","state_delta":{"x":1}}`)},
			wantOK:   true,
			wantType: StateDelta,
		},
		{
			name:    "thread update with no state delta is dropped",
			payload: pgnotify.Payload{Table: "threads", Operation: "UPDATE", Data: json.RawMessage(`{"run_id":"r1"}`)},
			wantOK:  false,
		},
		{
			name:    "unknown table is dropped",
			payload: pgnotify.Payload{Table: "traces", Operation: "INSERT", Data: json.RawMessage(`{}`)},
			wantOK:  false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev, ok := mapPayload(c.payload)
			assert.Equal(t, c.wantOK, ok)
			if c.wantOK {
				assert.Equal(t, c.wantType, ev.Type)
			}
		})
	}
}

func TestBridge_SubscribeReceivesEventsInOrderAndClosesOnTerminal(t *testing.T) {
	listener := pgnotify.New("", "event_stream", nil)
	bridge := New(listener, nil, Config{QueueSize: 8, HeartbeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bridge.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	deliver := func(table, op string, data string) {
		bridge.onNotification(ctx, pgnotify.Payload{Table: table, Operation: op, Data: json.RawMessage(data)})
	}

	deliver("events", "INSERT", `{"run_id":"run-1","event_type":"message","content":"a"}`)
	deliver("events", "INSERT", `{"run_id":"run-1","event_type":"message","content":"b"}`)
	deliver("runs", "UPDATE", `{"run_id":"run-1","status":"completed"}`)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	require.Len(t, got, 3)
	assert.Equal(t, TextMessageContent, got[0].Type)
	assert.Equal(t, TextMessageContent, got[1].Type)
	assert.Equal(t, RunFinished, got[2].Type)
	assert.True(t, got[2].IsTerminal())
	assert.Equal(t, 0, bridge.ActiveSubscriberCount("run-1"))
}

func TestBridge_HeartbeatOnIdle(t *testing.T) {
	listener := pgnotify.New("", "event_stream", nil)
	bridge := New(listener, nil, Config{QueueSize: 8, HeartbeatInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bridge.Subscribe(ctx, "run-2")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, Custom, ev.Type)
		assert.Equal(t, "heartbeat", ev.Data["name"])
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a heartbeat event on an idle subscription")
	}
}

func TestBridge_StopClosesSubscriptionsAndRefusesNewOnes(t *testing.T) {
	listener := pgnotify.New("", "event_stream", nil)
	bridge := New(listener, nil, Config{QueueSize: 8, HeartbeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bridge.Subscribe(ctx, "run-4")
	require.NoError(t, err)

	require.NoError(t, bridge.Stop(context.Background()))

	for range events {
		// drained; the channel must close without a terminal event
	}

	_, err = bridge.Subscribe(ctx, "run-5")
	require.Error(t, err)
	assert.True(t, cognerr.IsKind(err, cognerr.KindSubscriptionTerminated))
}

func TestBridge_UnmappedNotificationIsDropped(t *testing.T) {
	listener := pgnotify.New("", "event_stream", nil)
	bridge := New(listener, nil, Config{QueueSize: 8, HeartbeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bridge.Subscribe(ctx, "run-3")
	require.NoError(t, err)

	bridge.onNotification(ctx, pgnotify.Payload{Table: "traces", Operation: "INSERT", Data: json.RawMessage(`{}`)})

	select {
	case ev := <-events:
		t.Fatalf("expected no event for an unmapped payload, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
