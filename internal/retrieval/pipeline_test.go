package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
)

type fakeHybridStore struct {
	memory.Store
	hits              []memory.SearchHit
	recordedIDs       []string
	efSearch          int
	recordedDecayRate float64
}

func (f *fakeHybridStore) HybridSearch(ctx context.Context, userID, appName, queryText string, queryEmbedding []float32, limit, efSearch int) ([]memory.SearchHit, error) {
	f.efSearch = efSearch
	return f.hits, nil
}

func (f *fakeHybridStore) RecordAccess(ctx context.Context, ids []string, now time.Time, decayRate float64) error {
	f.recordedIDs = ids
	f.recordedDecayRate = decayRate
	return nil
}

type fakeReranker struct{}

func (fakeReranker) Rerank(ctx context.Context, query string, candidates []RerankCandidate, topK int) ([]Reranked, error) {
	// Reverse the input order so the test can distinguish "pass-through"
	// behavior from "actually reranked" behavior.
	out := make([]Reranked, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		out = append(out, Reranked{ID: c.ID, Content: c.Content, OriginalScore: c.Score, RerankScore: float64(i + 1)})
	}
	return out, nil
}

func TestPipelineSearchWithoutReranker(t *testing.T) {
	store := &fakeHybridStore{hits: []memory.SearchHit{
		{ID: "m1", Content: "one", CombinedScore: 0.9},
		{ID: "m2", Content: "two", CombinedScore: 0.5},
	}}
	p := New(store, nil, Config{L1Limit: 1, DecayRate: 0.25})

	out, err := p.Search(context.Background(), "u1", "app1", "query", nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].ID)
	assert.Equal(t, []string{"m1"}, store.recordedIDs)
	assert.Equal(t, DefaultConfig.EfSearch, store.efSearch)
	assert.Equal(t, 0.25, store.recordedDecayRate, "the configured decay rate must reach RecordAccess")
}

func TestPipelineSearchWithReranker(t *testing.T) {
	store := &fakeHybridStore{hits: []memory.SearchHit{
		{ID: "m1", Content: "one", CombinedScore: 0.9},
		{ID: "m2", Content: "two", CombinedScore: 0.5},
	}}
	p := New(store, fakeReranker{}, Config{L1Limit: 2})

	out, err := p.Search(context.Background(), "u1", "app1", "query", nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "m2", out[0].ID) // reranker inverted the order
	assert.ElementsMatch(t, []string{"m1", "m2"}, store.recordedIDs)
}

func TestPipelineSearchNoHits(t *testing.T) {
	store := &fakeHybridStore{}
	p := New(store, nil, Config{})

	out, err := p.Search(context.Background(), "u1", "app1", "query", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
