package memory

import (
	"context"
	"time"
)

// Store is the repository contract for memories, facts, and
// consolidation jobs, implemented by internal/storage/postgres.
type Store interface {
	InsertMemory(ctx context.Context, m Memory) (Memory, error)
	GetMemory(ctx context.Context, id string) (Memory, error)
	DeleteMemory(ctx context.Context, id string) error
	RecordAccess(ctx context.Context, ids []string, now time.Time, decayRate float64) error

	UpsertFact(ctx context.Context, f Fact) (Fact, error)

	// GetFact and ListFacts treat an expired fact (now past its
	// valid_until) as absent; the row stays until its key is upserted.
	GetFact(ctx context.Context, userID, appName string, factType FactType, key string) (Fact, error)
	ListFacts(ctx context.Context, userID, appName string) ([]Fact, error)

	CreateJob(ctx context.Context, sessionID string, jobType JobType) (ConsolidationJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, result []byte, errMsg string) (ConsolidationJob, error)
	GetJob(ctx context.Context, jobID string) (ConsolidationJob, error)

	// UpdateAllRetentionScores recomputes retention_score for every
	// memory row using the SQL-side implementation of the decay
	// formula and returns the number of rows touched.
	UpdateAllRetentionScores(ctx context.Context, decayRate float64) (int64, error)

	// RetentionDistribution buckets memories (optionally scoped by
	// userID/appName, empty meaning "all") into high/medium/low counts.
	RetentionDistribution(ctx context.Context, userID, appName string) (Distribution, error)

	// DeleteLowValueMemories deletes memories below threshold older than
	// minAgeDays; in dryRun mode it only counts candidates.
	DeleteLowValueMemories(ctx context.Context, threshold float64, minAgeDays int, dryRun bool) (CleanupStats, error)

	// HybridSearch invokes the hybrid_search SQL function. When efSearch
	// is positive the call runs in a transaction that raises the vector
	// index's ef_search and enables relaxed-order iterative scanning, so
	// high-selectivity scopes still traverse enough index candidates to
	// meet the recall target.
	HybridSearch(ctx context.Context, userID, appName, queryText string, queryEmbedding []float32, limit, efSearch int) ([]SearchHit, error)
}

// Distribution is the bucketed retention-score histogram.
type Distribution struct {
	High   int64 // >= 0.7
	Medium int64 // [0.3, 0.7)
	Low    int64 // < 0.3
}

// CleanupStats summarizes a cleanup_low_value_memories run.
type CleanupStats struct {
	Distribution  Distribution
	DeletedCount  int64
	AverageRemain float64
	DryRun        bool
}

// SearchHit is one row of a hybrid_search or rrf_search result.
type SearchHit struct {
	ID            string
	Content       string
	SemanticScore float64
	KeywordScore  float64
	CombinedScore float64
	RRFScore      float64
	SemanticRank  int
	KeywordRank   int
	Metadata      map[string]any
}
