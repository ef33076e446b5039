package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/agent"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
)

var _ agent.Store = (*ToolStore)(nil)

// ToolStore persists tool registry metadata and rolling call statistics
// against the tools table.
type ToolStore struct {
	db *sql.DB
}

func NewToolStore(db *sql.DB) *ToolStore {
	return &ToolStore{db: db}
}

func (s *ToolStore) Upsert(ctx context.Context, meta agent.ToolMetadata) error {
	now := time.Now().UTC()
	permissions, err := json.Marshal(meta.Permissions)
	if err != nil {
		return fmt.Errorf("marshal tool permissions: %w", err)
	}
	paramSchema := meta.ParameterJSON
	if paramSchema == nil {
		paramSchema = json.RawMessage(`{}`)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (name, display_name, description, parameter_schema, permissions, active, call_count, avg_latency_ms, kind, script_source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (name) DO UPDATE
		SET display_name = EXCLUDED.display_name, description = EXCLUDED.description,
			parameter_schema = EXCLUDED.parameter_schema, permissions = EXCLUDED.permissions,
			active = EXCLUDED.active, kind = EXCLUDED.kind, script_source = EXCLUDED.script_source,
			updated_at = EXCLUDED.updated_at
	`, meta.Name, meta.DisplayName, meta.Description, []byte(paramSchema), []byte(permissions),
		meta.Active, meta.CallCount, meta.AvgLatencyMS, string(meta.Kind), nullableString(meta.ScriptSource), now)
	if err != nil {
		return fmt.Errorf("upsert tool: %w", err)
	}
	return nil
}

func (s *ToolStore) List(ctx context.Context) ([]agent.ToolMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, display_name, description, parameter_schema, permissions, active,
			call_count, avg_latency_ms, kind, script_source, created_at, updated_at
		FROM tools ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []agent.ToolMetadata
	for rows.Next() {
		m, err := scanToolMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordCall updates the call counter and rolling average latency in a
// single statement, so concurrent callers never race on a read-modify-
// write round trip.
func (s *ToolStore) RecordCall(ctx context.Context, name string, latency time.Duration) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tools
		SET call_count = call_count + 1,
			avg_latency_ms = avg_latency_ms + ($2 - avg_latency_ms) / (call_count + 1),
			updated_at = $3
		WHERE name = $1
	`, name, float64(latency.Milliseconds()), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return cognerr.NotFound("tool %q not registered", name)
	}
	return nil
}

func scanToolMetadata(row rowScanner) (agent.ToolMetadata, error) {
	var (
		m            agent.ToolMetadata
		paramSchema  []byte
		permissions  []byte
		kind         string
		scriptSource sql.NullString
	)
	err := row.Scan(&m.Name, &m.DisplayName, &m.Description, &paramSchema, &permissions, &m.Active,
		&m.CallCount, &m.AvgLatencyMS, &kind, &scriptSource, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return agent.ToolMetadata{}, cognerr.NotFound("tool not found")
		}
		return agent.ToolMetadata{}, err
	}
	m.ParameterJSON = json.RawMessage(paramSchema)
	m.Kind = agent.ToolKind(kind)
	if scriptSource.Valid {
		m.ScriptSource = scriptSource.String
	}
	var perms []string
	if len(permissions) > 0 {
		_ = json.Unmarshal(permissions, &perms)
	}
	for _, p := range perms {
		m.Permissions = append(m.Permissions, agent.Permission(p))
	}
	return m, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
