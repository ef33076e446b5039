// Package consolidation implements the Consolidation Worker: it turns a
// session's raw event stream into durable memories and facts through two
// stages, Fast Replay and Deep Reflection, orchestrated behind a
// persisted job record.
package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/metrics"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

// Config governs the event window the worker replays and its periodic
// sweep.
type Config struct {
	// EventWindow is the number of most-recent events fed to each stage.
	EventWindow int
	// LMRequestsPerSecond bounds how often the worker calls out to the
	// LM/embedding collaborators, protecting those external services
	// from a burst of consolidation jobs. Zero disables limiting.
	LMRequestsPerSecond float64
	// SweepInterval schedules a background fast-replay pass over
	// sessions active since the previous sweep. Zero disables the sweep;
	// the worker then runs only on demand via Consolidate.
	SweepInterval time.Duration
	// SweepSessionLimit bounds how many sessions one sweep touches.
	SweepSessionLimit int
}

// DefaultConfig carries the documented 50-event replay window.
var DefaultConfig = Config{EventWindow: 50, LMRequestsPerSecond: 5, SweepSessionLimit: 100}

// Worker consolidates a session's recent events into memories and facts.
type Worker struct {
	memories memory.Store
	sessions session.Store
	lm       LMClient
	embedder Embedder
	log      *logger.Logger
	cfg      Config
	limiter  *rate.Limiter

	cron *cron.Cron
}

// New builds a Worker. lm and embedder are the out-of-scope model
// collaborators; callers own their lifecycle.
func New(memories memory.Store, sessions session.Store, lm LMClient, embedder Embedder, log *logger.Logger, cfg Config) *Worker {
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = DefaultConfig.EventWindow
	}
	var limiter *rate.Limiter
	if cfg.LMRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LMRequestsPerSecond), 1)
	}
	return &Worker{memories: memories, sessions: sessions, lm: lm, embedder: embedder, log: log, cfg: cfg, limiter: limiter}
}

// throttle blocks until the rate limiter admits one more outbound call to
// the LM/embedding collaborators, a no-op when limiting is disabled.
func (w *Worker) throttle(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}
	return w.limiter.Wait(ctx)
}

func (w *Worker) Name() string { return "consolidation-worker" }

func (w *Worker) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "consolidation-worker", Domain: "cognizes", Layer: core.LayerEngine}
}

// Start schedules the periodic sweep when SweepInterval is configured.
// Sweep failures are logged and never stop the schedule.
func (w *Worker) Start(ctx context.Context) error {
	if w.cfg.SweepInterval <= 0 {
		return nil
	}
	w.cron = cron.New()
	_, err := w.cron.AddFunc("@every "+w.cfg.SweepInterval.String(), func() {
		w.sweep(context.Background())
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the sweep schedule, waiting for an in-flight sweep to
// finish.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cron == nil {
		return nil
	}
	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// sweep fast-replays every session active since the previous tick, so
// long-lived conversations keep accumulating summaries without any
// caller asking for them.
func (w *Worker) sweep(ctx context.Context) {
	since := time.Now().Add(-w.cfg.SweepInterval)
	limit := w.cfg.SweepSessionLimit
	if limit <= 0 {
		limit = DefaultConfig.SweepSessionLimit
	}
	ids, err := w.sessions.ActiveSessions(ctx, since, limit)
	if err != nil {
		if w.log != nil {
			w.log.WithField("error", err.Error()).Error("consolidation sweep: list active sessions failed")
		}
		return
	}
	for _, id := range ids {
		if _, err := w.Consolidate(ctx, id, memory.JobFastReplay); err != nil {
			if w.log != nil {
				w.log.WithField("session_id", id).Warn("consolidation sweep: " + err.Error())
			}
		}
	}
}

// Consolidate runs jobType against sessionID, persisting a
// ConsolidationJob row as the single source of truth for the run's
// status and result. The job record transitions pending -> running ->
// completed|failed and is never left running after Consolidate returns.
func (w *Worker) Consolidate(ctx context.Context, sessionID string, jobType memory.JobType) (memory.ConsolidationJob, error) {
	job, err := w.memories.CreateJob(ctx, sessionID, jobType)
	if err != nil {
		return memory.ConsolidationJob{}, fmt.Errorf("create consolidation job: %w", err)
	}

	job, err = w.memories.UpdateJobStatus(ctx, job.ID, memory.JobRunning, nil, "")
	if err != nil {
		return memory.ConsolidationJob{}, fmt.Errorf("mark consolidation job running: %w", err)
	}

	start := time.Now()
	result, runErr := w.run(ctx, sessionID, jobType)
	duration := time.Since(start)

	if runErr != nil {
		metrics.RecordConsolidationJob(string(jobType), "failed", duration)
		failed, updateErr := w.memories.UpdateJobStatus(ctx, job.ID, memory.JobFailed, nil, runErr.Error())
		if updateErr != nil {
			return memory.ConsolidationJob{}, fmt.Errorf("mark consolidation job failed: %w", updateErr)
		}
		if w.log != nil {
			w.log.WithField("session_id", sessionID).WithField("job_id", job.ID).Warn("consolidation job failed: " + runErr.Error())
		}
		return failed, cognerr.ConsolidationFailure(runErr, "consolidation job %s failed", job.ID)
	}

	metrics.RecordConsolidationJob(string(jobType), "completed", duration)
	completed, err := w.memories.UpdateJobStatus(ctx, job.ID, memory.JobCompleted, result, "")
	if err != nil {
		return memory.ConsolidationJob{}, fmt.Errorf("mark consolidation job completed: %w", err)
	}
	return completed, nil
}

// run dispatches to the stage(s) jobType names and returns a JSON
// summary of what each stage produced, suitable for the job's result
// column.
func (w *Worker) run(ctx context.Context, sessionID string, jobType memory.JobType) ([]byte, error) {
	events, err := w.sessions.RecentEvents(ctx, sessionID, w.cfg.EventWindow)
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	if len(events) == 0 {
		return []byte(`{"skipped":"no events"}`), nil
	}
	transcript := formatTranscript(events)

	switch jobType {
	case memory.JobFastReplay:
		summary, err := w.fastReplay(ctx, sessionID, transcript)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf(`{"summary_memory_id":%q}`, summary.ID)), nil

	case memory.JobDeepReflection:
		facts, insights, err := w.deepReflection(ctx, sessionID, transcript)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf(`{"facts_upserted":%d,"insights_stored":%d}`, facts, insights)), nil

	case memory.JobFullConsolidation:
		summary, err := w.fastReplay(ctx, sessionID, transcript)
		if err != nil {
			return nil, err
		}
		facts, insights, err := w.deepReflection(ctx, sessionID, transcript)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf(`{"summary_memory_id":%q,"facts_upserted":%d,"insights_stored":%d}`, summary.ID, facts, insights)), nil

	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
}

// fastReplay summarizes the transcript with the LM, embeds it, and
// stores it as a retention_score=1.0 summary memory.
func (w *Worker) fastReplay(ctx context.Context, sessionID, transcript string) (memory.Memory, error) {
	sess, err := w.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("load session for fast replay: %w", err)
	}

	if err := w.throttle(ctx); err != nil {
		return memory.Memory{}, fmt.Errorf("fast replay rate limit: %w", err)
	}
	summary, err := w.lm.Complete(ctx, summaryPrompt(transcript))
	if err != nil {
		return memory.Memory{}, fmt.Errorf("fast replay completion: %w", err)
	}

	if err := w.throttle(ctx); err != nil {
		return memory.Memory{}, fmt.Errorf("fast replay rate limit: %w", err)
	}
	embedding, err := w.embedder.Embed(ctx, summary)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("embed fast replay summary: %w", err)
	}

	threadID := sessionID
	stored, err := w.memories.InsertMemory(ctx, memory.Memory{
		ThreadID:       &threadID,
		UserID:         sess.UserID,
		AppName:        sess.AppName,
		MemoryType:     memory.TypeSummary,
		Content:        summary,
		Embedding:      embedding,
		Metadata:       map[string]any{"source": "fast_replay"},
		RetentionScore: 1.0,
	})
	if err != nil {
		return memory.Memory{}, fmt.Errorf("insert fast replay summary: %w", err)
	}
	return stored, nil
}

// reflectionFact is one tolerantly-parsed fact of the Deep Reflection
// stage's LM output.
type reflectionFact struct {
	Type       memory.FactType `json:"type"`
	Key        string          `json:"key"`
	Value      string          `json:"value"` // flattened text, for the embedding input
	ValueJSON  json.RawMessage `json:"-"`     // always a JSON object, for storage
	Confidence float64         `json:"confidence"`
}

type reflectionInsight struct {
	Content    string `json:"content"`
	Importance string `json:"importance"`
}

// deepReflection extracts facts and insights from the transcript.
// Parsing is tolerant: a malformed or partially-malformed response
// degrades to empty arrays for whichever half failed to parse, rather
// than failing the whole stage.
func (w *Worker) deepReflection(ctx context.Context, sessionID, transcript string) (factsUpserted, insightsStored int, err error) {
	sess, err := w.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("load session for deep reflection: %w", err)
	}

	if err := w.throttle(ctx); err != nil {
		return 0, 0, fmt.Errorf("deep reflection rate limit: %w", err)
	}
	raw, err := w.lm.Complete(ctx, reflectionPrompt(transcript))
	if err != nil {
		return 0, 0, fmt.Errorf("deep reflection completion: %w", err)
	}
	cleaned := stripFences(raw)

	facts := parseFacts(cleaned)
	insights := parseInsights(cleaned)

	for _, f := range facts {
		if err := w.throttle(ctx); err != nil {
			return factsUpserted, insightsStored, fmt.Errorf("deep reflection rate limit: %w", err)
		}
		embedding, embedErr := w.embedder.Embed(ctx, f.Key+": "+f.Value)
		if embedErr != nil {
			if w.log != nil {
				w.log.WithField("session_id", sessionID).Warn("deep reflection: embed fact failed: " + embedErr.Error())
			}
			continue
		}
		threadID := sessionID
		if _, err := w.memories.UpsertFact(ctx, memory.Fact{
			ThreadID:   &threadID,
			UserID:     sess.UserID,
			AppName:    sess.AppName,
			FactType:   f.Type,
			Key:        f.Key,
			Value:      f.ValueJSON,
			Embedding:  embedding,
			Confidence: f.Confidence,
		}); err != nil {
			return factsUpserted, insightsStored, fmt.Errorf("upsert fact %q: %w", f.Key, err)
		}
		factsUpserted++
	}

	for _, ins := range insights {
		if err := w.throttle(ctx); err != nil {
			return factsUpserted, insightsStored, fmt.Errorf("deep reflection rate limit: %w", err)
		}
		embedding, embedErr := w.embedder.Embed(ctx, ins.Content)
		if embedErr != nil {
			if w.log != nil {
				w.log.WithField("session_id", sessionID).Warn("deep reflection: embed insight failed: " + embedErr.Error())
			}
			continue
		}
		threadID := sessionID
		if _, err := w.memories.InsertMemory(ctx, memory.Memory{
			ThreadID:       &threadID,
			UserID:         sess.UserID,
			AppName:        sess.AppName,
			MemoryType:     memory.TypeSemantic,
			Content:        ins.Content,
			Embedding:      embedding,
			Metadata:       map[string]any{"source": "deep_reflection", "importance": ins.Importance},
			RetentionScore: importanceScore(ins.Importance),
		}); err != nil {
			return factsUpserted, insightsStored, fmt.Errorf("insert insight memory: %w", err)
		}
		insightsStored++
	}

	return factsUpserted, insightsStored, nil
}

func importanceScore(importance string) float64 {
	switch importance {
	case "high":
		return 1.0
	case "medium":
		return 0.7
	case "low":
		return 0.4
	default:
		return 0.4
	}
}

// parseFacts tolerantly extracts the "facts" array, defaulting to empty
// on any parse failure rather than aborting the stage. Fact values are
// normalized to JSON objects for storage: an extractor that emits an
// object keeps it, a scalar is wrapped under a "value" key.
func parseFacts(cleaned string) []reflectionFact {
	result := gjson.Get(cleaned, "facts")
	if !result.IsArray() {
		return nil
	}
	var out []reflectionFact
	for _, item := range result.Array() {
		if !item.IsObject() {
			continue
		}
		value := item.Get("value")
		var valueJSON json.RawMessage
		if value.IsObject() {
			valueJSON = json.RawMessage(value.Raw)
		} else {
			valueJSON, _ = json.Marshal(map[string]any{"value": value.Value()})
		}
		out = append(out, reflectionFact{
			Type:       memory.FactType(item.Get("type").String()),
			Key:        item.Get("key").String(),
			Value:      value.String(),
			ValueJSON:  valueJSON,
			Confidence: item.Get("confidence").Float(),
		})
	}
	return out
}

// parseInsights tolerantly extracts the "insights" array.
func parseInsights(cleaned string) []reflectionInsight {
	result := gjson.Get(cleaned, "insights")
	if !result.IsArray() {
		return nil
	}
	var out []reflectionInsight
	for _, item := range result.Array() {
		if !item.IsObject() {
			continue
		}
		out = append(out, reflectionInsight{
			Content:    item.Get("content").String(),
			Importance: item.Get("importance").String(),
		})
	}
	return out
}
