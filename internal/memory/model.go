// Package memory holds the data shapes shared by the Consolidation
// Worker, Retention Manager, and Retrieval Pipeline: Memory, Fact,
// Consolidation Job, and Knowledge-base Chunk records.
package memory

import (
	"encoding/json"
	"time"
)

// Type enumerates the kinds of distilled knowledge a Memory can hold.
type Type string

const (
	TypeEpisodic   Type = "episodic"
	TypeSemantic   Type = "semantic"
	TypeSummary    Type = "summary"
	TypeProcedural Type = "procedural"
)

// Memory is a piece of distilled knowledge associated with a user/app
// scope, optionally linked to an originating session.
type Memory struct {
	ID             string
	ThreadID       *string
	UserID         string
	AppName        string
	MemoryType     Type
	Content        string
	Embedding      []float32
	Metadata       map[string]any
	RetentionScore float64
	AccessCount    int
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	CorpusID       *string
	SourceURI      *string
	ChunkIndex     *int
}

// FactType enumerates the kinds of structured assertions a Fact holds.
type FactType string

const (
	FactPreference FactType = "preference"
	FactRule       FactType = "rule"
	FactProfile    FactType = "profile"
)

// Fact is a structured assertion about a user, uniquely keyed by
// (UserID, AppName, FactType, Key).
type Fact struct {
	ID         string
	ThreadID   *string
	UserID     string
	AppName    string
	FactType   FactType
	Key        string
	Value      json.RawMessage
	Embedding  []float32
	Confidence float64
	ValidUntil *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the fact's validity window has passed, making
// it logically absent even though the row still exists.
func (f Fact) Expired(now time.Time) bool {
	return f.ValidUntil != nil && now.After(*f.ValidUntil)
}

// DecodeValue returns the fact's value as a map. Values are written as
// JSON objects; rows written by older extractors may hold a bare
// JSON-encoded string instead, which is tolerated on read by wrapping
// it under a "value" key. Such legacy rows are rewritten as objects the
// next time their key is upserted.
func (f Fact) DecodeValue() (map[string]any, error) {
	if len(f.Value) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(f.Value, &obj); err == nil {
		return obj, nil
	}
	var legacy string
	if err := json.Unmarshal(f.Value, &legacy); err != nil {
		return nil, err
	}
	return map[string]any{"value": legacy}, nil
}

// JobType enumerates the kinds of consolidation work that can be run
// against a session.
type JobType string

const (
	JobFastReplay        JobType = "fast_replay"
	JobDeepReflection    JobType = "deep_reflection"
	JobFullConsolidation JobType = "full_consolidation"
)

// JobStatus is the consolidation job's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ConsolidationJob is the single source of truth for a consolidation
// run's external observers.
type ConsolidationJob struct {
	ID          string
	SessionID   string
	JobType     JobType
	Status      JobStatus
	Result      json.RawMessage
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}
