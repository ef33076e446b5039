package session

import (
	"context"
	"time"
)

// Store is the repository contract the Session/State Engine depends on.
// A PostgreSQL implementation lives in internal/storage/postgres.
type Store interface {
	CreateSession(ctx context.Context, appName, userID string, initialState map[string]any) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, appName, userID string, limit, offset int) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error

	// AppendEvent performs the single-transaction atomic append described
	// by the engine: conditional state update (if newState is non-nil)
	// plus event insert, in that order, inside one transaction. newState
	// is the already-merged state the engine wants committed; expectedVersion
	// is the version the caller last observed. If the conditional update
	// affects zero rows, the implementation must return a *cognerr.Error
	// of kind ConcurrencyConflict and must not insert the event row.
	// It returns the stored event (with allocated id and sequence number)
	// and the session's post-append version/state.
	AppendEvent(ctx context.Context, sessionID string, expectedVersion int, newState map[string]any, ev Event) (Event, Session, error)

	GetUserState(ctx context.Context, userID, appName string) (map[string]any, error)
	SetUserState(ctx context.Context, userID, appName string, state map[string]any) error

	GetAppState(ctx context.Context, appName string) (map[string]any, error)
	SetAppState(ctx context.Context, appName string, state map[string]any) error

	// RecentEvents returns up to limit of the session's most recent
	// events, in chronological (ascending sequence_num) order, for the
	// Consolidation Worker and Context Assembler's history section.
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]Event, error)

	// ActiveSessions returns the ids of sessions updated since the
	// given time, newest first, for the Consolidation Worker's periodic
	// sweep.
	ActiveSessions(ctx context.Context, since time.Time, limit int) ([]string, error)
}
