package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
)

// fakeMemoryStore implements memory.Store with just enough behavior to
// exercise the Retention Manager: a fixed set of rows, a running
// recompute, and threshold/min-age filtered deletes.
type fakeMemoryStore struct {
	memory.Store
	rows              []memory.Memory
	recomputeCalls    int
	deleteCalls       int
	recordAccessCalls [][]string
}

func (f *fakeMemoryStore) RecordAccess(ctx context.Context, ids []string, now time.Time, decayRate float64) error {
	f.recordAccessCalls = append(f.recordAccessCalls, ids)
	return nil
}

func (f *fakeMemoryStore) UpdateAllRetentionScores(ctx context.Context, decayRate float64) (int64, error) {
	f.recomputeCalls++
	for i := range f.rows {
		// Mirrors calculate_retention_score: recency runs from
		// last_accessed_at, with a never-accessed row treated as age 0.
		ageDays := 0.0
		if f.rows[i].LastAccessedAt != nil {
			ageDays = time.Since(*f.rows[i].LastAccessedAt).Hours() / 24
		}
		f.rows[i].RetentionScore = Score(f.rows[i].AccessCount, ageDays, decayRate)
	}
	return int64(len(f.rows)), nil
}

func (f *fakeMemoryStore) RetentionDistribution(ctx context.Context, userID, appName string) (memory.Distribution, error) {
	var d memory.Distribution
	for _, r := range f.rows {
		switch Classify(r.RetentionScore) {
		case BucketHigh:
			d.High++
		case BucketMedium:
			d.Medium++
		default:
			d.Low++
		}
	}
	return d, nil
}

func (f *fakeMemoryStore) DeleteLowValueMemories(ctx context.Context, threshold float64, minAgeDays int, dryRun bool) (memory.CleanupStats, error) {
	var kept []memory.Memory
	var deleted int64
	var remainSum float64
	now := time.Now()
	for _, r := range f.rows {
		old := now.Sub(r.CreatedAt) >= time.Duration(minAgeDays)*24*time.Hour
		if r.RetentionScore < threshold && old {
			deleted++
			continue
		}
		kept = append(kept, r)
		remainSum += r.RetentionScore
	}
	if !dryRun {
		f.deleteCalls++
		f.rows = kept
	}
	avg := 0.0
	if len(kept) > 0 {
		avg = remainSum / float64(len(kept))
	}
	dist, _ := f.RetentionDistribution(ctx, "", "")
	return memory.CleanupStats{Distribution: dist, DeletedCount: deleted, AverageRemain: avg, DryRun: dryRun}, nil
}

func TestCleanup_DryRunNeverDeletes(t *testing.T) {
	store := &fakeMemoryStore{rows: []memory.Memory{
		{ID: "m1", AccessCount: 0, CreatedAt: time.Now().Add(-30 * 24 * time.Hour)},
		{ID: "m2", AccessCount: 50, CreatedAt: time.Now().Add(-30 * 24 * time.Hour)},
		{ID: "m3", AccessCount: 0, CreatedAt: time.Now().Add(-1 * time.Hour)}, // too young to delete
	}}
	mgr := New(store, nil, Config{DecayRate: 0.1})
	ctx := context.Background()

	statsDry, err := mgr.CleanupLowValueMemories(ctx, 0.1, 7, true)
	require.NoError(t, err)
	assert.Len(t, store.rows, 3, "dry run must not change row count")

	statsReal, err := mgr.CleanupLowValueMemories(ctx, 0.1, 7, false)
	require.NoError(t, err)
	assert.Equal(t, statsDry.DeletedCount, statsReal.DeletedCount, "dry run count must match the subsequent real deletion count")
	assert.Len(t, store.rows, 3-int(statsReal.DeletedCount))
}

func TestRecordAccess_BatchesIDs(t *testing.T) {
	store := &fakeMemoryStore{}
	mgr := New(store, nil, DefaultConfig)
	require.NoError(t, mgr.RecordAccess(context.Background(), []string{"a", "b", "c"}))
	require.NoError(t, mgr.RecordAccess(context.Background(), nil))
	require.Len(t, store.recordAccessCalls, 1, "an empty id slice must not issue a call")
	assert.Equal(t, []string{"a", "b", "c"}, store.recordAccessCalls[0])
}

func TestIntervalToCronSpec(t *testing.T) {
	assert.Equal(t, "@every 5m0s", intervalToCronSpec(5*time.Minute))
	assert.Equal(t, "@every 24h0m0s", intervalToCronSpec(24*time.Hour))
	assert.Equal(t, "@every 24h0m0s", intervalToCronSpec(0))
}
