package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

// --- SessionStore ------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, appName, userID string, initialState map[string]any) (session.Session, error) {
	if initialState == nil {
		initialState = map[string]any{}
	}
	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return session.Session{}, fmt.Errorf("marshal initial state: %w", err)
	}

	now := time.Now().UTC()
	sess := session.Session{
		ID:        uuid.NewString(),
		AppName:   appName,
		UserID:    userID,
		State:     initialState,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, app_name, user_id, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.AppName, sess.UserID, stateJSON, sess.Version, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return session.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, app_name, user_id, state, version, created_at, updated_at
		FROM threads WHERE id = $1
	`, id)
	return scanSession(row)
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess     session.Session
		stateRaw []byte
	)
	if err := row.Scan(&sess.ID, &sess.AppName, &sess.UserID, &stateRaw, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, cognerr.NotFound("session not found")
		}
		return session.Session{}, err
	}
	sess.State = map[string]any{}
	if len(stateRaw) > 0 {
		_ = json.Unmarshal(stateRaw, &sess.State)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, appName, userID string, limit, offset int) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_name, user_id, state, version, created_at, updated_at
		FROM threads WHERE app_name = $1 AND user_id = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, appName, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return cognerr.NotFound("session not found")
	}
	return nil
}

// AppendEvent performs the atomic append inside one transaction: it
// row-locks the thread, conditionally updates state+version when
// newState is non-nil, then inserts the event with the next sequence
// number. A version mismatch rolls the whole transaction back and never
// inserts the event row.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, expectedVersion int, newState map[string]any, ev session.Event) (session.Event, session.Session, error) {
	var storedEvent session.Event
	var updated session.Session

	err := s.WithTx(ctx, func(ctx context.Context) error {
		tx := TxFromContext(ctx)

		row := tx.QueryRowContext(ctx, `
			SELECT id, app_name, user_id, state, version, created_at, updated_at
			FROM threads WHERE id = $1 FOR UPDATE
		`, sessionID)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}

		newVersion := sess.Version
		if newState != nil {
			stateJSON, err := json.Marshal(newState)
			if err != nil {
				return fmt.Errorf("marshal state: %w", err)
			}
			var returnedVersion int
			err = tx.QueryRowContext(ctx, `
				UPDATE threads SET state = $1, version = version + 1, updated_at = $2
				WHERE id = $3 AND version = $4
				RETURNING version
			`, stateJSON, time.Now().UTC(), sessionID, expectedVersion).Scan(&returnedVersion)
			if errors.Is(err, sql.ErrNoRows) {
				return cognerr.ConcurrencyConflict("session %s expected version %d", sessionID, expectedVersion)
			}
			if err != nil {
				return fmt.Errorf("conditional state update: %w", err)
			}
			newVersion = returnedVersion
			sess.State = newState
		}
		sess.Version = newVersion

		var nextSeq int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM events WHERE thread_id = $1
		`, sessionID).Scan(&nextSeq); err != nil {
			return fmt.Errorf("allocate sequence number: %w", err)
		}

		ev.ID = uuid.NewString()
		ev.SessionID = sessionID
		ev.SequenceNum = nextSeq
		ev.CreatedAt = time.Now().UTC()

		actionsJSON, err := ev.Actions.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal actions: %w", err)
		}
		content := ev.Content
		if content == nil {
			content = json.RawMessage("{}")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (id, thread_id, sequence_num, invocation_id, author, event_type, content, actions, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ev.ID, ev.SessionID, ev.SequenceNum, ev.InvocationID, string(ev.Author), string(ev.EventType), []byte(content), actionsJSON, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		storedEvent = ev
		updated = sess
		return nil
	})
	if err != nil {
		return session.Event{}, session.Session{}, err
	}
	return storedEvent, updated, nil
}

// RecentEvents fetches the most recent limit events of a session
// (DESC by sequence_num) then reverses them into chronological order,
// matching the Fast Replay / Deep Reflection stages' "most-recent N in
// chronological order" requirement.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, sequence_num, invocation_id, author, event_type, content, actions, created_at
		FROM events WHERE thread_id = $1
		ORDER BY sequence_num DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []session.Event
	for rows.Next() {
		var (
			ev         session.Event
			author     string
			eventType  string
			contentRaw []byte
			actionsRaw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.SequenceNum, &ev.InvocationID, &author, &eventType, &contentRaw, &actionsRaw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Author = session.Author(author)
		ev.EventType = session.EventType(eventType)
		ev.Content = contentRaw
		if len(actionsRaw) > 0 {
			_ = json.Unmarshal(actionsRaw, &ev.Actions)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ActiveSessions lists sessions whose row was touched since the given
// time, newest first, bounding the Consolidation Worker's sweep fan-out.
func (s *Store) ActiveSessions(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM threads WHERE updated_at >= $1
		ORDER BY updated_at DESC LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Scoped state --------------------------------------------------------

func (s *Store) GetUserState(ctx context.Context, userID, appName string) (map[string]any, error) {
	var stateRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM user_state WHERE user_id = $1 AND app_name = $2
	`, userID, appName).Scan(&stateRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user state: %w", err)
	}
	state := map[string]any{}
	if len(stateRaw) > 0 {
		_ = json.Unmarshal(stateRaw, &state)
	}
	return state, nil
}

func (s *Store) SetUserState(ctx context.Context, userID, appName string, state map[string]any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal user state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_state (user_id, app_name, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, app_name) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, userID, appName, stateJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert user state: %w", err)
	}
	return nil
}

func (s *Store) GetAppState(ctx context.Context, appName string) (map[string]any, error) {
	var stateRaw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM app_state WHERE app_name = $1`, appName).Scan(&stateRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get app state: %w", err)
	}
	state := map[string]any{}
	if len(stateRaw) > 0 {
		_ = json.Unmarshal(stateRaw, &state)
	}
	return state, nil
}

func (s *Store) SetAppState(ctx context.Context, appName string, state map[string]any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal app state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_state (app_name, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_name) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, appName, stateJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert app state: %w", err)
	}
	return nil
}
