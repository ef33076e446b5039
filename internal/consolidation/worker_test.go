package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

// fakeLM returns canned completions keyed by a substring of the prompt,
// so the same fake can serve both the summary and reflection prompts.
type fakeLM struct {
	summary     string
	reflection  string
	completeErr error
}

func (f *fakeLM) Complete(ctx context.Context, prompt string) (string, error) {
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if containsAny(prompt, "Summarize") {
		return f.summary, nil
	}
	return f.reflection, nil
}

func containsAny(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeSessionStore implements session.Store with only what the worker
// exercises: GetSession and RecentEvents.
type fakeSessionStore struct {
	session.Store
	sess   session.Session
	events []session.Event
}

func (f *fakeSessionStore) GetSession(ctx context.Context, id string) (session.Session, error) {
	return f.sess, nil
}

func (f *fakeSessionStore) RecentEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	return f.events, nil
}

// fakeMemoryStore implements memory.Store, recording every call the
// worker makes so assertions can inspect them.
type fakeMemoryStore struct {
	memory.Store
	jobs          map[string]memory.ConsolidationJob
	insertedMems  []memory.Memory
	upsertedFacts []memory.Fact
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{jobs: map[string]memory.ConsolidationJob{}}
}

func (f *fakeMemoryStore) CreateJob(ctx context.Context, sessionID string, jobType memory.JobType) (memory.ConsolidationJob, error) {
	job := memory.ConsolidationJob{ID: "job-1", SessionID: sessionID, JobType: jobType, Status: memory.JobPending, CreatedAt: time.Now()}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeMemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status memory.JobStatus, result []byte, errMsg string) (memory.ConsolidationJob, error) {
	job := f.jobs[jobID]
	job.Status = status
	job.Result = result
	job.Error = errMsg
	f.jobs[jobID] = job
	return job, nil
}

func (f *fakeMemoryStore) GetJob(ctx context.Context, jobID string) (memory.ConsolidationJob, error) {
	return f.jobs[jobID], nil
}

func (f *fakeMemoryStore) InsertMemory(ctx context.Context, m memory.Memory) (memory.Memory, error) {
	m.ID = "mem-" + string(m.MemoryType)
	f.insertedMems = append(f.insertedMems, m)
	return m, nil
}

func (f *fakeMemoryStore) UpsertFact(ctx context.Context, fact memory.Fact) (memory.Fact, error) {
	f.upsertedFacts = append(f.upsertedFacts, fact)
	return fact, nil
}

func sampleEvents() []session.Event {
	return []session.Event{
		{Author: session.AuthorUser, Content: []byte(`{"text":"hello"}`)},
		{Author: session.AuthorAssistant, Content: []byte(`{"text":"hi there"}`)},
	}
}

func TestWorkerConsolidateFastReplay(t *testing.T) {
	sessions := &fakeSessionStore{sess: session.Session{ID: "s1", UserID: "u1", AppName: "app1"}, events: sampleEvents()}
	mems := newFakeMemoryStore()
	lm := &fakeLM{summary: "a short summary"}
	w := New(mems, sessions, lm, fakeEmbedder{}, nil, Config{})

	job, err := w.Consolidate(context.Background(), "s1", memory.JobFastReplay)
	require.NoError(t, err)
	assert.Equal(t, memory.JobCompleted, job.Status)
	require.Len(t, mems.insertedMems, 1)
	assert.Equal(t, memory.TypeSummary, mems.insertedMems[0].MemoryType)
	assert.Equal(t, 1.0, mems.insertedMems[0].RetentionScore)
}

func TestWorkerConsolidateDeepReflectionTolerantParsing(t *testing.T) {
	sessions := &fakeSessionStore{sess: session.Session{ID: "s1", UserID: "u1", AppName: "app1"}, events: sampleEvents()}
	mems := newFakeMemoryStore()
	lm := &fakeLM{reflection: "```json\n{\"facts\":[{\"type\":\"preference\",\"key\":\"theme\",\"value\":\"dark\",\"confidence\":0.9}],\"insights\":[{\"content\":\"user likes dark mode\",\"importance\":\"high\"}]}\n```"}
	w := New(mems, sessions, lm, fakeEmbedder{}, nil, Config{})

	job, err := w.Consolidate(context.Background(), "s1", memory.JobDeepReflection)
	require.NoError(t, err)
	assert.Equal(t, memory.JobCompleted, job.Status)
	require.Len(t, mems.upsertedFacts, 1)
	assert.Equal(t, "theme", mems.upsertedFacts[0].Key)
	assert.JSONEq(t, `{"value":"dark"}`, string(mems.upsertedFacts[0].Value))
	require.Len(t, mems.insertedMems, 1)
	assert.Equal(t, 1.0, mems.insertedMems[0].RetentionScore)
}

func TestWorkerConsolidateDeepReflectionMalformedJSON(t *testing.T) {
	sessions := &fakeSessionStore{sess: session.Session{ID: "s1", UserID: "u1", AppName: "app1"}, events: sampleEvents()}
	mems := newFakeMemoryStore()
	lm := &fakeLM{reflection: "not json at all"}
	w := New(mems, sessions, lm, fakeEmbedder{}, nil, Config{})

	job, err := w.Consolidate(context.Background(), "s1", memory.JobDeepReflection)
	require.NoError(t, err)
	assert.Equal(t, memory.JobCompleted, job.Status)
	assert.Empty(t, mems.upsertedFacts)
	assert.Empty(t, mems.insertedMems)
}

func TestWorkerConsolidateFailurePropagatesToJob(t *testing.T) {
	sessions := &fakeSessionStore{sess: session.Session{ID: "s1", UserID: "u1", AppName: "app1"}, events: sampleEvents()}
	mems := newFakeMemoryStore()
	lm := &fakeLM{completeErr: assertErr{}}
	w := New(mems, sessions, lm, fakeEmbedder{}, nil, Config{})

	job, err := w.Consolidate(context.Background(), "s1", memory.JobFastReplay)
	require.Error(t, err)
	assert.Equal(t, memory.JobFailed, job.Status)
	assert.NotEmpty(t, job.Error)
}

type assertErr struct{}

func (assertErr) Error() string { return "lm unavailable" }

func TestWorkerNoEventsSkipsStage(t *testing.T) {
	sessions := &fakeSessionStore{sess: session.Session{ID: "s1", UserID: "u1", AppName: "app1"}, events: nil}
	mems := newFakeMemoryStore()
	lm := &fakeLM{summary: "unused"}
	w := New(mems, sessions, lm, fakeEmbedder{}, nil, Config{})

	job, err := w.Consolidate(context.Background(), "s1", memory.JobFastReplay)
	require.NoError(t, err)
	assert.Equal(t, memory.JobCompleted, job.Status)
	assert.Empty(t, mems.insertedMems)
}
