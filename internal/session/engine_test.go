package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
)

// fakeStore is an in-memory Store exercising the same optimistic
// concurrency contract the Postgres implementation's conditional
// UPDATE ... RETURNING enforces: AppendEvent fails with
// ConcurrencyConflict when expectedVersion no longer matches, and no
// event row is appended for the losing attempt.
type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]Session
	events    map[string][]Event
	userState map[string]map[string]any
	appState  map[string]map[string]any
	nextID    int

	// conflictsLeft makes the next N AppendEvent calls lose to a
	// simulated external writer that bumps the version just before them.
	conflictsLeft int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  map[string]Session{},
		events:    map[string][]Event{},
		userState: map[string]map[string]any{},
		appState:  map[string]map[string]any{},
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, appName, userID string, initialState map[string]any) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := Session{
		ID: itoa(f.nextID), AppName: appName, UserID: userID,
		State: initialState, Version: 1,
	}
	if s.State == nil {
		s.State = map[string]any{}
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, cognerr.NotFound("session %s not found", id)
	}
	return s, nil
}

func (f *fakeStore) ListSessions(ctx context.Context, appName, userID string, limit, offset int) ([]Session, error) {
	return nil, nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	delete(f.events, id)
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, sessionID string, expectedVersion int, newState map[string]any, ev Event) (Event, Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok {
		return Event{}, Session{}, cognerr.NotFound("session %s not found", sessionID)
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		sess.Version++
		f.sessions[sessionID] = sess
	}
	if sess.Version != expectedVersion {
		return Event{}, Session{}, cognerr.ConcurrencyConflict("version mismatch: have %d want %d", sess.Version, expectedVersion)
	}

	if newState != nil {
		sess.State = newState
		sess.Version++
	}
	f.sessions[sessionID] = sess

	ev.ID = itoa(len(f.events[sessionID]) + 1000)
	ev.SequenceNum = len(f.events[sessionID]) + 1
	f.events[sessionID] = append(f.events[sessionID], ev)

	return ev, sess, nil
}

func (f *fakeStore) GetUserState(ctx context.Context, userID, appName string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userState[userID+"/"+appName], nil
}

func (f *fakeStore) SetUserState(ctx context.Context, userID, appName string, state map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userState[userID+"/"+appName] = state
	return nil
}

func (f *fakeStore) GetAppState(ctx context.Context, appName string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appState[appName], nil
}

func (f *fakeStore) SetAppState(ctx context.Context, appName string, state map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appState[appName] = state
	return nil
}

func (f *fakeStore) RecentEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[sessionID], nil
}

func (f *fakeStore) ActiveSessions(ctx context.Context, since time.Time, limit int) ([]string, error) {
	return nil, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestAppendEvent_AtomicStateDelta(t *testing.T) {
	store := newFakeStore()
	eng := New(store, nil)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "app1", "user1", map[string]any{"counter": 0})
	require.NoError(t, err)
	require.Equal(t, 1, sess.Version)

	ev := Event{Author: AuthorSystem, EventType: EventStateUpdate, Actions: Actions{StateDelta: map[string]any{"counter": 1}}}
	storedEvent, updated, err := eng.AppendEvent(ctx, sess, ev)
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 1, storedEvent.SequenceNum)
	assert.Equal(t, 1, updated.State["counter"])

	events, _ := store.RecentEvents(ctx, sess.ID, 10)
	assert.Len(t, events, 1)
}

func TestAppendEvent_ConcurrencyConflict(t *testing.T) {
	store := newFakeStore()
	eng := New(store, nil)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "app1", "user1", map[string]any{"counter": 0})
	require.NoError(t, err)

	// An external writer bumps the version to 3 behind the caller's back.
	store.mu.Lock()
	external := store.sessions[sess.ID]
	external.Version = 3
	store.sessions[sess.ID] = external
	store.mu.Unlock()

	ev := Event{Author: AuthorSystem, EventType: EventStateUpdate, Actions: Actions{StateDelta: map[string]any{"counter": 1}}}
	_, _, err = eng.AppendEvent(ctx, sess, ev)
	require.Error(t, err)
	assert.True(t, cognerr.IsKind(err, cognerr.KindConcurrencyConflict))

	// No event row was inserted for the losing attempt, and the
	// external bump is untouched.
	events, _ := store.RecentEvents(ctx, sess.ID, 10)
	assert.Empty(t, events)
	latest, _ := store.GetSession(ctx, sess.ID)
	assert.Equal(t, 3, latest.Version)
}

func TestUpdateSessionState_RetriesOnConflict(t *testing.T) {
	store := newFakeStore()
	eng := New(store, nil)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "app1", "user1", nil)
	require.NoError(t, err)

	// Simulate one external writer stealing the first attempt's version
	// so UpdateSessionState must re-read and retry exactly once.
	store.mu.Lock()
	store.conflictsLeft = 1
	store.mu.Unlock()

	updated, err := eng.UpdateSessionState(ctx, sess.ID, map[string]any{"x": 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Version)
	assert.Equal(t, 1, updated.State["x"])
}

func TestPrefixRouting(t *testing.T) {
	store := newFakeStore()
	eng := New(store, nil)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "appA", "userU", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, eng.SetState(ctx, sess, "user:language", "zh-CN"))
	userState, err := store.GetUserState(ctx, "userU", "appA")
	require.NoError(t, err)
	assert.Equal(t, "zh-CN", userState["language"])

	require.NoError(t, eng.SetState(ctx, sess, "app:feature_flag", true))
	appState, err := store.GetAppState(ctx, "appA")
	require.NoError(t, err)
	assert.Equal(t, true, appState["feature_flag"])

	require.NoError(t, eng.SetState(ctx, sess, "temp:cache", map[string]any{"x": 1}))
	all, err := eng.GetAllState(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, all["temp:cache"])

	// A fresh engine over the same store has no knowledge of the
	// process-local temp map: this models the restart-loses-temp-state
	// invariant without actually restarting a process.
	eng2 := New(store, nil)
	sessReloaded, err := eng2.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	all2, err := eng2.GetAllState(ctx, sessReloaded)
	require.NoError(t, err)
	_, hasTemp := all2["temp:cache"]
	assert.False(t, hasTemp)
}

func TestGetAllState_Fixpoint(t *testing.T) {
	store := newFakeStore()
	eng := New(store, nil)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "app1", "user1", map[string]any{"a": 1})
	require.NoError(t, err)

	_, sess, err = eng.AppendEvent(ctx, sess, Event{Actions: Actions{StateDelta: map[string]any{"b": 2}}})
	require.NoError(t, err)
	_, sess, err = eng.AppendEvent(ctx, sess, Event{Actions: Actions{StateDelta: map[string]any{"a": 99}}})
	require.NoError(t, err)

	all, err := eng.GetAllState(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 99, all["a"])
	assert.Equal(t, 2, all["b"])
}
