package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/metrics"
)

// Config governs the Manager's decay rate and background sweep.
type Config struct {
	DecayRate        float64
	CleanupThreshold float64
	MinAgeDays       int
	CleanupInterval  time.Duration
}

// DefaultConfig carries the documented sweep defaults.
var DefaultConfig = Config{
	DecayRate:        DefaultDecayRate,
	CleanupThreshold: 0.1,
	MinAgeDays:       7,
	CleanupInterval:  24 * time.Hour,
}

// Manager implements the Retention Manager: record_access,
// update_all_retention_scores, get_retention_distribution, and
// cleanup_low_value_memories, plus a scheduled background sweep.
type Manager struct {
	store memory.Store
	log   *logger.Logger
	cfg   Config

	cron *cron.Cron
}

// New builds a Manager over the given repository.
func New(store memory.Store, log *logger.Logger, cfg Config) *Manager {
	if cfg.DecayRate <= 0 {
		cfg.DecayRate = DefaultDecayRate
	}
	return &Manager{store: store, log: log, cfg: cfg}
}

func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "retention-manager", Domain: "cognizes", Layer: core.LayerData}
}

func (m *Manager) Name() string { return "retention-manager" }

// Start schedules the background cleanup loop via an "@every" cron spec
// derived from CleanupInterval (whole-minute granularity below one
// hour). Exceptions
// from a run are logged but never stop the schedule.
func (m *Manager) Start(ctx context.Context) error {
	m.cron = cron.New()
	spec := intervalToCronSpec(m.cfg.CleanupInterval)
	_, err := m.cron.AddFunc(spec, func() {
		stats, err := m.CleanupLowValueMemories(ctx, m.cfg.CleanupThreshold, m.cfg.MinAgeDays, false)
		if err != nil {
			if m.log != nil {
				m.log.WithField("error", err.Error()).Error("retention cleanup sweep failed")
			}
			return
		}
		if m.log != nil {
			m.log.WithField("deleted", stats.DeletedCount).Info("retention cleanup sweep completed")
		}
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the background schedule, waiting for any in-flight run to
// finish.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cron == nil {
		return nil
	}
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// intervalToCronSpec maps a duration onto an "@every" cron spec:
// sub-hour intervals are truncated to whole minutes (at least one),
// hour-or-longer intervals are used as given, and a non-positive
// interval means 24h.
func intervalToCronSpec(d time.Duration) string {
	if d <= 0 {
		d = 24 * time.Hour
	}
	if d < time.Hour {
		minutes := int(d / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		return "@every " + time.Duration(minutes*int(time.Minute)).String()
	}
	return "@every " + d.String()
}

// RecordAccess increments access_count, stamps last_accessed_at, and
// recomputes retention_score for each memory id.
func (m *Manager) RecordAccess(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	return m.store.RecordAccess(ctx, memoryIDs, time.Now().UTC(), m.cfg.DecayRate)
}

// UpdateAllRetentionScores bulk-recomputes every memory's retention
// score via the SQL-side implementation and returns the row count.
func (m *Manager) UpdateAllRetentionScores(ctx context.Context) (int64, error) {
	return m.store.UpdateAllRetentionScores(ctx, m.cfg.DecayRate)
}

// GetRetentionDistribution buckets memories in scope into high/medium/low.
func (m *Manager) GetRetentionDistribution(ctx context.Context, userID, appName string) (memory.Distribution, error) {
	return m.store.RetentionDistribution(ctx, userID, appName)
}

// CleanupLowValueMemories refreshes all retention scores, then deletes
// (or, in dry-run mode, merely counts) rows below threshold and older
// than minAgeDays.
func (m *Manager) CleanupLowValueMemories(ctx context.Context, threshold float64, minAgeDays int, dryRun bool) (memory.CleanupStats, error) {
	if _, err := m.UpdateAllRetentionScores(ctx); err != nil {
		return memory.CleanupStats{}, err
	}
	stats, err := m.store.DeleteLowValueMemories(ctx, threshold, minAgeDays, dryRun)
	if err != nil {
		return memory.CleanupStats{}, err
	}
	if !dryRun {
		metrics.RecordRetentionSweep(stats.DeletedCount)
	}
	return stats, nil
}
