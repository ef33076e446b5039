package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/metrics"
)

// appendHooks reports every append's outcome and latency to the metrics
// registry.
var appendHooks = core.ObservationHooks{
	OnComplete: func(_ context.Context, _ map[string]string, err error, d time.Duration) {
		outcome := "ok"
		switch {
		case cognerr.IsKind(err, cognerr.KindConcurrencyConflict):
			outcome = "conflict"
		case err != nil:
			outcome = "error"
		}
		metrics.RecordSessionAppend(outcome, d)
	},
}

// scope identifies which backing store a prefixed state key targets.
type scope string

const (
	scopeSession scope = "session"
	scopeUser    scope = "user"
	scopeApp     scope = "app"
	scopeTemp    scope = "temp"
)

// parseKey splits a prefixed state key into its scope and bare key, the
// single parse-once helper every state operation routes through.
func parseKey(key string) (scope, string) {
	if rest, ok := strings.CutPrefix(key, "user:"); ok {
		return scopeUser, rest
	}
	if rest, ok := strings.CutPrefix(key, "app:"); ok {
		return scopeApp, rest
	}
	if rest, ok := strings.CutPrefix(key, "temp:"); ok {
		return scopeTemp, rest
	}
	return scopeSession, key
}

// stepBackoff is the fixed 10/20/30 ms retry sequence update_session_state
// uses, distinct from core.RetryPolicy's multiplier-based exponential
// scheme because the contract here calls for exact stepped delays.
var stepBackoff = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}

// Engine implements the Session/State Engine: atomic event append with
// optimistic concurrency, and prefix-routed scoped state
// (session/user/app/temp).
type Engine struct {
	store Store
	log   *logger.Logger

	tempMu    sync.RWMutex
	tempState map[string]map[string]any // sessionID -> key -> value, process-local only
}

// New builds an Engine over the given repository.
func New(store Store, log *logger.Logger) *Engine {
	return &Engine{
		store:     store,
		log:       log,
		tempState: make(map[string]map[string]any),
	}
}

func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "session-engine", Domain: "cognizes", Layer: core.LayerEngine}.
		WithCapabilities("atomic-append", "scoped-state")
}

// CreateSession creates a new session with version 1.
func (e *Engine) CreateSession(ctx context.Context, appName, userID string, initialState map[string]any) (Session, error) {
	if appName == "" || userID == "" {
		return Session{}, cognerr.Validation("app_name and user_id are required")
	}
	return e.store.CreateSession(ctx, appName, userID, initialState)
}

// GetSession fetches a session by id.
func (e *Engine) GetSession(ctx context.Context, id string) (Session, error) {
	return e.store.GetSession(ctx, id)
}

// ListSessions lists sessions in a scope.
func (e *Engine) ListSessions(ctx context.Context, appName, userID string, limit, offset int) ([]Session, error) {
	return e.store.ListSessions(ctx, appName, userID, core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit), offset)
}

// DeleteSession removes a session (and, by foreign-key cascade, its
// events). Memories and facts are not cascaded: they reference a session
// only weakly.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	return e.store.DeleteSession(ctx, id)
}

// AppendEvent is the only legal path for mutating session state. If the
// event carries a state delta, it is shallow-merged into the session's
// current state and committed alongside the event insert in a single
// transaction; a version mismatch aborts with ConcurrencyConflict and no
// event is inserted.
func (e *Engine) AppendEvent(ctx context.Context, sess Session, ev Event) (Event, Session, error) {
	done := core.StartObservation(ctx, appendHooks, nil)
	var newState map[string]any
	if ev.Actions.HasStateDelta() {
		newState = mergeState(sess.State, ev.Actions.StateDelta)
	}
	storedEvent, updated, err := e.store.AppendEvent(ctx, sess.ID, sess.Version, newState, ev)
	done(err)
	if err != nil {
		return Event{}, Session{}, err
	}
	return storedEvent, updated, nil
}

// mergeState shallow-overlays delta onto base: nested values are
// replaced wholesale, never deep-merged.
func mergeState(base, delta map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return merged
}

// UpdateSessionState wraps AppendEvent with a state-only event and
// retries on ConcurrencyConflict up to maxRetries times, re-reading the
// session and re-applying delta to its fresh state before each retry.
func (e *Engine) UpdateSessionState(ctx context.Context, sessionID string, delta map[string]any, maxRetries int) (Session, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ev := Event{
			Author:    AuthorSystem,
			EventType: EventStateUpdate,
			Actions:   Actions{StateDelta: delta},
		}
		_, updated, err := e.AppendEvent(ctx, sess, ev)
		if err == nil {
			return updated, nil
		}
		if !cognerr.IsKind(err, cognerr.KindConcurrencyConflict) {
			return Session{}, err
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		if e.log != nil {
			e.log.WithField("session_id", sessionID).WithField("attempt", attempt+1).Warn("state update concurrency conflict, retrying")
		}
		select {
		case <-time.After(stepBackoff[minInt(attempt, len(stepBackoff)-1)]):
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
		sess, err = e.store.GetSession(ctx, sessionID)
		if err != nil {
			return Session{}, err
		}
	}
	return Session{}, lastErr
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SetState routes a prefixed key to its backing scope.
func (e *Engine) SetState(ctx context.Context, sess Session, key string, value any) error {
	sc, bare := parseKey(key)
	switch sc {
	case scopeUser:
		state, err := e.store.GetUserState(ctx, sess.UserID, sess.AppName)
		if err != nil {
			return err
		}
		if state == nil {
			state = map[string]any{}
		}
		state[bare] = value
		return e.store.SetUserState(ctx, sess.UserID, sess.AppName, state)
	case scopeApp:
		state, err := e.store.GetAppState(ctx, sess.AppName)
		if err != nil {
			return err
		}
		if state == nil {
			state = map[string]any{}
		}
		state[bare] = value
		return e.store.SetAppState(ctx, sess.AppName, state)
	case scopeTemp:
		e.tempMu.Lock()
		defer e.tempMu.Unlock()
		if e.tempState[sess.ID] == nil {
			e.tempState[sess.ID] = map[string]any{}
		}
		e.tempState[sess.ID][bare] = value
		return nil
	default:
		_, err := e.UpdateSessionState(ctx, sess.ID, map[string]any{bare: value}, 3)
		return err
	}
}

// GetState reads a single prefixed key from its backing scope.
func (e *Engine) GetState(ctx context.Context, sess Session, key string) (any, error) {
	sc, bare := parseKey(key)
	switch sc {
	case scopeUser:
		state, err := e.store.GetUserState(ctx, sess.UserID, sess.AppName)
		if err != nil {
			return nil, err
		}
		return state[bare], nil
	case scopeApp:
		state, err := e.store.GetAppState(ctx, sess.AppName)
		if err != nil {
			return nil, err
		}
		return state[bare], nil
	case scopeTemp:
		e.tempMu.RLock()
		defer e.tempMu.RUnlock()
		return e.tempState[sess.ID][bare], nil
	default:
		return sess.State[bare], nil
	}
}

// GetAllState returns a single map unioning session, user, and app state,
// with keys re-prefixed so callers can distinguish scopes. Temp state is
// included so in-process callers can observe it; it is never persisted.
func (e *Engine) GetAllState(ctx context.Context, sess Session) (map[string]any, error) {
	out := make(map[string]any, len(sess.State))
	for k, v := range sess.State {
		out[k] = v
	}

	userState, err := e.store.GetUserState(ctx, sess.UserID, sess.AppName)
	if err != nil {
		return nil, err
	}
	for k, v := range userState {
		out["user:"+k] = v
	}

	appState, err := e.store.GetAppState(ctx, sess.AppName)
	if err != nil {
		return nil, err
	}
	for k, v := range appState {
		out["app:"+k] = v
	}

	e.tempMu.RLock()
	for k, v := range e.tempState[sess.ID] {
		out["temp:"+k] = v
	}
	e.tempMu.RUnlock()

	return out, nil
}

// DropTempState discards the in-process temp-state map for a session;
// the delete-session HTTP handler calls it after a successful delete.
func (e *Engine) DropTempState(sessionID string) {
	e.tempMu.Lock()
	defer e.tempMu.Unlock()
	delete(e.tempState, sessionID)
}
