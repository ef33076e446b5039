package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/retention"
)

// --- Memory --------------------------------------------------------------

func (s *Store) InsertMemory(ctx context.Context, m memory.Memory) (memory.Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()

	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("marshal memory metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, thread_id, user_id, app_name, memory_type, content, embedding, metadata,
			retention_score, access_count, last_accessed_at, created_at, corpus_id, source_uri, chunk_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, m.ID, m.ThreadID, m.UserID, m.AppName, string(m.MemoryType), m.Content, pq.Array(toFloat64(m.Embedding)), metadataJSON,
		m.RetentionScore, m.AccessCount, m.LastAccessedAt, m.CreatedAt, m.CorpusID, m.SourceURI, m.ChunkIndex)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (memory.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, user_id, app_name, memory_type, content, embedding, metadata,
			retention_score, access_count, last_accessed_at, created_at, corpus_id, source_uri, chunk_index
		FROM memories WHERE id = $1
	`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Memory{}, cognerr.NotFound("memory %s not found", id)
	}
	return m, err
}

func scanMemory(row rowScanner) (memory.Memory, error) {
	var (
		m           memory.Memory
		memType     string
		metadataRaw []byte
		embedding   pq.Float64Array
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.UserID, &m.AppName, &memType, &m.Content, &embedding, &metadataRaw,
		&m.RetentionScore, &m.AccessCount, &m.LastAccessedAt, &m.CreatedAt, &m.CorpusID, &m.SourceURI, &m.ChunkIndex); err != nil {
		return memory.Memory{}, err
	}
	m.MemoryType = memory.Type(memType)
	m.Embedding = toFloat32(embedding)
	if len(metadataRaw) > 0 {
		m.Metadata = map[string]any{}
		_ = json.Unmarshal(metadataRaw, &m.Metadata)
	}
	return m, nil
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return cognerr.NotFound("memory %s not found", id)
	}
	return nil
}

// RecordAccess increments access_count, stamps last_accessed_at=now, and
// recomputes retention_score in application code — matching the SQL
// function's formula exactly, per retention.Score.
func (s *Store) RecordAccess(ctx context.Context, ids []string, now time.Time, decayRate float64) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		tx := TxFromContext(ctx)
		for _, id := range ids {
			var accessCount int
			err := tx.QueryRowContext(ctx, `
				UPDATE memories SET access_count = access_count + 1, last_accessed_at = $2
				WHERE id = $1
				RETURNING access_count
			`, id, now).Scan(&accessCount)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("record access for %s: %w", id, err)
			}
			// Recency is measured from last_accessed_at, which this call
			// just stamped to now, so age is zero here — identical to
			// what calculate_retention_score would compute for this row.
			score := retention.Score(accessCount, 0, decayRate)
			if _, err := tx.ExecContext(ctx, `UPDATE memories SET retention_score = $2 WHERE id = $1`, id, score); err != nil {
				return fmt.Errorf("update retention score for %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) UpdateAllRetentionScores(ctx context.Context, decayRate float64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET retention_score = calculate_retention_score(access_count, last_accessed_at, $1)
	`, decayRate)
	if err != nil {
		return 0, fmt.Errorf("bulk update retention scores: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) RetentionDistribution(ctx context.Context, userID, appName string) (memory.Distribution, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE retention_score >= 0.7) AS high,
			COUNT(*) FILTER (WHERE retention_score >= 0.3 AND retention_score < 0.7) AS medium,
			COUNT(*) FILTER (WHERE retention_score < 0.3) AS low
		FROM memories
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR app_name = $2)
	`
	var dist memory.Distribution
	err := s.db.QueryRowContext(ctx, query, userID, appName).Scan(&dist.High, &dist.Medium, &dist.Low)
	if err != nil {
		return memory.Distribution{}, fmt.Errorf("retention distribution: %w", err)
	}
	return dist, nil
}

func (s *Store) DeleteLowValueMemories(ctx context.Context, threshold float64, minAgeDays int, dryRun bool) (memory.CleanupStats, error) {
	dist, err := s.RetentionDistribution(ctx, "", "")
	if err != nil {
		return memory.CleanupStats{}, err
	}

	var candidateCount int64
	var avgRemaining sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE retention_score < $1 AND created_at < now() - ($2 || ' days')::interval
	`, threshold, minAgeDays).Scan(&candidateCount)
	if err != nil {
		return memory.CleanupStats{}, fmt.Errorf("count cleanup candidates: %w", err)
	}

	stats := memory.CleanupStats{Distribution: dist, DryRun: dryRun}
	if dryRun {
		stats.DeletedCount = candidateCount
		_ = s.db.QueryRowContext(ctx, `SELECT AVG(retention_score) FROM memories`).Scan(&avgRemaining)
		stats.AverageRemain = avgRemaining.Float64
		return stats, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memories
		WHERE retention_score < $1 AND created_at < now() - ($2 || ' days')::interval
	`, threshold, minAgeDays)
	if err != nil {
		return memory.CleanupStats{}, fmt.Errorf("cleanup low value memories: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return memory.CleanupStats{}, err
	}
	stats.DeletedCount = deleted

	_ = s.db.QueryRowContext(ctx, `SELECT AVG(retention_score) FROM memories`).Scan(&avgRemaining)
	stats.AverageRemain = avgRemaining.Float64
	return stats, nil
}

func (s *Store) HybridSearch(ctx context.Context, userID, appName, queryText string, queryEmbedding []float32, limit, efSearch int) ([]memory.SearchHit, error) {
	var hits []memory.SearchHit
	err := s.WithTx(ctx, func(ctx context.Context) error {
		tx := TxFromContext(ctx)

		// SET LOCAL scopes both knobs to this transaction; a filter that
		// eliminates most of the table needs the index to keep scanning
		// past its usual frontier to surface enough in-scope candidates.
		if efSearch > 0 {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)); err != nil {
				return fmt.Errorf("set ef_search: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "SET LOCAL hnsw.iterative_scan = 'relaxed_order'"); err != nil {
				return fmt.Errorf("set iterative_scan: %w", err)
			}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, content, semantic_score, keyword_score, combined_score, metadata
			FROM hybrid_search($1, $2, $3, $4, $5)
		`, userID, appName, queryText, pq.Array(toFloat64(queryEmbedding)), limit)
		if err != nil {
			return fmt.Errorf("hybrid search: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var hit memory.SearchHit
			var metadataRaw []byte
			if err := rows.Scan(&hit.ID, &hit.Content, &hit.SemanticScore, &hit.KeywordScore, &hit.CombinedScore, &metadataRaw); err != nil {
				return fmt.Errorf("scan hybrid search row: %w", err)
			}
			if len(metadataRaw) > 0 {
				hit.Metadata = map[string]any{}
				_ = json.Unmarshal(metadataRaw, &hit.Metadata)
			}
			hits = append(hits, hit)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// --- Facts -----------------------------------------------------------------

func (s *Store) UpsertFact(ctx context.Context, f memory.Fact) (memory.Fact, error) {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.UpdatedAt = now

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO facts (id, thread_id, user_id, app_name, fact_type, key, value, embedding, confidence, valid_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, app_name, fact_type, key) DO UPDATE
		SET value = EXCLUDED.value, embedding = EXCLUDED.embedding, confidence = EXCLUDED.confidence,
			valid_until = EXCLUDED.valid_until, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, f.ID, f.ThreadID, f.UserID, f.AppName, string(f.FactType), f.Key, []byte(f.Value), pq.Array(toFloat64(f.Embedding)), f.Confidence, f.ValidUntil, now, now)

	if err := row.Scan(&f.ID, &f.CreatedAt); err != nil {
		return memory.Fact{}, fmt.Errorf("upsert fact: %w", err)
	}
	return f, nil
}

func (s *Store) GetFact(ctx context.Context, userID, appName string, factType memory.FactType, key string) (memory.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, user_id, app_name, fact_type, key, value, embedding, confidence, valid_until, created_at, updated_at
		FROM facts WHERE user_id = $1 AND app_name = $2 AND fact_type = $3 AND key = $4
			AND (valid_until IS NULL OR valid_until > NOW())
	`, userID, appName, string(factType), key)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Fact{}, cognerr.NotFound("fact %s/%s not found", factType, key)
	}
	return f, err
}

func (s *Store) ListFacts(ctx context.Context, userID, appName string) ([]memory.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, user_id, app_name, fact_type, key, value, embedding, confidence, valid_until, created_at, updated_at
		FROM facts WHERE user_id = $1 AND app_name = $2
			AND (valid_until IS NULL OR valid_until > NOW())
		ORDER BY created_at DESC
	`, userID, appName)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []memory.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFact(row rowScanner) (memory.Fact, error) {
	var (
		f         memory.Fact
		factType  string
		valueRaw  []byte
		embedding pq.Float64Array
	)
	if err := row.Scan(&f.ID, &f.ThreadID, &f.UserID, &f.AppName, &factType, &f.Key, &valueRaw, &embedding,
		&f.Confidence, &f.ValidUntil, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return memory.Fact{}, err
	}
	f.FactType = memory.FactType(factType)
	f.Value = valueRaw
	f.Embedding = toFloat32(embedding)
	return f, nil
}

// --- Consolidation jobs ------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, sessionID string, jobType memory.JobType) (memory.ConsolidationJob, error) {
	job := memory.ConsolidationJob{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		JobType:   jobType,
		Status:    memory.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_jobs (id, thread_id, job_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, job.ID, job.SessionID, string(job.JobType), string(job.Status), job.CreatedAt)
	if err != nil {
		return memory.ConsolidationJob{}, fmt.Errorf("create consolidation job: %w", err)
	}
	return job, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status memory.JobStatus, result []byte, errMsg string) (memory.ConsolidationJob, error) {
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	switch status {
	case memory.JobRunning:
		startedAt = &now
	case memory.JobCompleted, memory.JobFailed, memory.JobCancelled:
		completedAt = &now
	}

	query := `UPDATE consolidation_jobs SET status = $2`
	args := []any{jobID, string(status)}
	argN := 2
	if startedAt != nil {
		argN++
		query += fmt.Sprintf(", started_at = $%d", argN)
		args = append(args, *startedAt)
	}
	if completedAt != nil {
		argN++
		query += fmt.Sprintf(", completed_at = $%d", argN)
		args = append(args, *completedAt)
	}
	if result != nil {
		argN++
		query += fmt.Sprintf(", result = $%d", argN)
		args = append(args, result)
	}
	if errMsg != "" {
		argN++
		query += fmt.Sprintf(", error = $%d", argN)
		args = append(args, errMsg)
	}
	query += " WHERE id = $1"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return memory.ConsolidationJob{}, fmt.Errorf("update job status: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (memory.ConsolidationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, job_type, status, result, error, started_at, completed_at, created_at
		FROM consolidation_jobs WHERE id = $1
	`, jobID)

	var (
		job       memory.ConsolidationJob
		jobType   string
		status    string
		resultRaw []byte
		errMsg    sql.NullString
	)
	err := row.Scan(&job.ID, &job.SessionID, &jobType, &status, &resultRaw, &errMsg, &job.StartedAt, &job.CompletedAt, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.ConsolidationJob{}, cognerr.NotFound("consolidation job %s not found", jobID)
	}
	if err != nil {
		return memory.ConsolidationJob{}, err
	}
	job.JobType = memory.JobType(jobType)
	job.Status = memory.JobStatus(status)
	job.Result = resultRaw
	job.Error = errMsg.String
	return job, nil
}

// toFloat64 widens an embedding for transport through pq.Array, since
// lib/pq only ships a Float64Array scanner/valuer, not a Float32 one.
func toFloat64(v []float32) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
