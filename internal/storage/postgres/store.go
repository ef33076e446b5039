package postgres

import (
	"database/sql"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

// Store implements the engine-facing repository interfaces backed by a
// single PostgreSQL connection pool.
type Store struct {
	*BaseStore
	db *sql.DB
}

var _ session.Store = (*Store)(nil)
var _ memory.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{BaseStore: NewBaseStore(db, ""), db: db}
}

// RawDB returns the underlying connection pool, primarily for wiring the
// Notify Listener onto the same DSN.
func (s *Store) RawDB() *sql.DB { return s.db }
