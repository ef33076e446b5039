package context

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

type fakeMemStore struct {
	memory.Store
	facts []memory.Fact
}

func (f *fakeMemStore) ListFacts(ctx context.Context, userID, appName string) ([]memory.Fact, error) {
	return f.facts, nil
}

type fakeSessStore struct {
	session.Store
	events []session.Event
}

func (f *fakeSessStore) RecentEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	return f.events, nil
}

func TestAssembleOrdersFixedSections(t *testing.T) {
	mems := &fakeMemStore{facts: []memory.Fact{
		{FactType: memory.FactPreference, Key: "theme", Value: json.RawMessage(`"dark"`)},
	}}
	sessions := &fakeSessStore{events: []session.Event{
		{Author: session.AuthorUser, Content: json.RawMessage(`"hi"`)},
		{Author: session.AuthorAssistant, Content: json.RawMessage(`"hello"`)},
	}}
	a := New(mems, sessions, nil, DefaultConfig)

	win, err := a.Assemble(context.Background(), "s1", "u1", "app1", "you are a helpful assistant", "", nil)
	require.NoError(t, err)
	require.Len(t, win.Sections, 4)
	assert.Equal(t, "", win.Sections[0].Header)
	assert.Equal(t, factsHeader, win.Sections[1].Header)
	assert.Equal(t, memoriesHeader, win.Sections[2].Header)
	assert.Equal(t, historyHeader, win.Sections[3].Header)
	assert.Greater(t, win.TotalTokens, 0)
	assert.Greater(t, win.BudgetUtilized, 0.0)
}

func TestAssembleExcludesExpiredFacts(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	mems := &fakeMemStore{facts: []memory.Fact{
		{FactType: memory.FactPreference, Key: "stale", Value: json.RawMessage(`{"value":"old"}`), ValidUntil: &past},
		{FactType: memory.FactPreference, Key: "fresh", Value: json.RawMessage(`{"value":"new"}`), ValidUntil: &future},
		{FactType: memory.FactPreference, Key: "open", Value: json.RawMessage(`{"value":"forever"}`)},
	}}
	a := New(mems, &fakeSessStore{}, nil, DefaultConfig)

	win, err := a.Assemble(context.Background(), "s1", "u1", "app1", "sys", "", nil)
	require.NoError(t, err)

	factsSection := win.Sections[1]
	require.Len(t, factsSection.Items, 2)
	for _, item := range factsSection.Items {
		assert.NotContains(t, item.Text, "stale")
	}
}

func TestAssembleHistoryRespectsSubBudget(t *testing.T) {
	var events []session.Event
	for i := 0; i < 30; i++ {
		events = append(events, session.Event{Author: session.AuthorUser, Content: json.RawMessage(`"` + longText() + `"`)})
	}
	sessions := &fakeSessStore{events: events}
	a := New(&fakeMemStore{}, sessions, nil, Config{MaxTokens: 100, SystemRatio: 0.1, FactsRatio: 0.1, MemoriesRatio: 0.1, HistoryRatio: 0.7, MaxHistoryEvents: 30, MaxFacts: 10, MaxMemories: 10})

	win, err := a.Assemble(context.Background(), "s1", "u1", "app1", "sys", "", nil)
	require.NoError(t, err)
	historySection := win.Sections[3]
	assert.Less(t, len(historySection.Items), 30)
}

func longText() string {
	b := make([]byte, 40)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestFormatProducesBlankLineSeparatedSections(t *testing.T) {
	win := Window{Sections: []Section{
		{Items: []Item{{Text: "system prompt"}}},
		{Header: factsHeader, Items: []Item{{Text: "theme=dark"}}},
	}}
	out := Format(win)
	assert.Contains(t, out, "system prompt")
	assert.Contains(t, out, factsHeader)
	assert.Contains(t, out, "\n\n")
}
