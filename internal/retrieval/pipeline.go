package retrieval

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/metrics"
)

// Config governs the pipeline's candidate-set sizes and vector-index
// tuning knobs.
type Config struct {
	L0Limit  int // coarse recall candidate count, default 50
	L1Limit  int // rerank output count, default 10
	EfSearch int // vector index ef_search for high-selectivity scopes, default 200
	// DecayRate is the retention decay rate passed to RecordAccess, so
	// per-access recomputes use the same lambda as the bulk SQL refresh.
	// Zero falls back to the retention default.
	DecayRate float64
	// RerankRequestsPerSecond bounds calls out to the (external,
	// out-of-scope) cross-encoder reranker. Zero disables limiting.
	RerankRequestsPerSecond float64
}

// DefaultConfig carries the documented candidate-set defaults.
var DefaultConfig = Config{L0Limit: 50, L1Limit: 10, EfSearch: 200, RerankRequestsPerSecond: 10}

// Result is one retrieved memory with its scoring provenance.
type Result struct {
	ID            string
	Content       string
	CombinedScore float64
	RerankScore   float64
	Metadata      map[string]any
}

// Pipeline implements the two-stage retrieval flow: coarse hybrid
// recall via the SQL-side hybrid_search function, then an optional L1
// cross-encoder rerank. RecordAccess is batched over whatever the
// caller ultimately surfaces to the user.
type Pipeline struct {
	store    memory.Store
	reranker Reranker // nil disables L1; L0 output is returned as-is
	cfg      Config
	limiter  *rate.Limiter
}

// New builds a Pipeline. reranker may be nil: the L1 rerank stage is
// optional, gated on whether a reranker is configured.
func New(store memory.Store, reranker Reranker, cfg Config) *Pipeline {
	if cfg.L0Limit <= 0 {
		cfg.L0Limit = DefaultConfig.L0Limit
	}
	if cfg.L1Limit <= 0 {
		cfg.L1Limit = DefaultConfig.L1Limit
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = DefaultConfig.EfSearch
	}
	var limiter *rate.Limiter
	if cfg.RerankRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RerankRequestsPerSecond), 1)
	}
	return &Pipeline{store: store, reranker: reranker, cfg: cfg, limiter: limiter}
}

func (p *Pipeline) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "retrieval-pipeline", Domain: "cognizes", Layer: core.LayerEngine}
}

// Search runs coarse recall, optional rerank, and records access on
// whatever it returns. queryEmbedding may be nil when the caller has no
// embedding available, in which case hybrid_search degrades to
// keyword-only ranking server-side.
func (p *Pipeline) Search(ctx context.Context, userID, appName, queryText string, queryEmbedding []float32) ([]Result, error) {
	coarseStart := time.Now()
	hits, err := p.store.HybridSearch(ctx, userID, appName, queryText, queryEmbedding, p.cfg.L0Limit, p.cfg.EfSearch)
	metrics.RecordRetrievalStage("coarse", time.Since(coarseStart))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	var out []Result
	if p.reranker != nil {
		candidates := make([]RerankCandidate, 0, len(hits))
		byID := map[string]memory.SearchHit{}
		for _, h := range hits {
			candidates = append(candidates, RerankCandidate{ID: h.ID, Content: h.Content, Score: h.CombinedScore})
			byID[h.ID] = h
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		rerankStart := time.Now()
		reranked, err := p.reranker.Rerank(ctx, queryText, candidates, p.cfg.L1Limit)
		metrics.RecordRetrievalStage("rerank", time.Since(rerankStart))
		if err != nil {
			return nil, err
		}
		out = make([]Result, 0, len(reranked))
		for _, r := range reranked {
			out = append(out, Result{
				ID: r.ID, Content: r.Content, CombinedScore: r.OriginalScore,
				RerankScore: r.RerankScore, Metadata: byID[r.ID].Metadata,
			})
		}
	} else {
		out = make([]Result, 0, len(hits))
		for _, h := range hits {
			out = append(out, Result{ID: h.ID, Content: h.Content, CombinedScore: h.CombinedScore, Metadata: h.Metadata})
		}
		if len(out) > p.cfg.L1Limit {
			out = out[:p.cfg.L1Limit]
		}
	}

	ids := make([]string, 0, len(out))
	for _, r := range out {
		ids = append(ids, r.ID)
	}
	if err := p.store.RecordAccess(ctx, ids, time.Now().UTC(), p.cfg.DecayRate); err != nil {
		return out, err
	}
	return out, nil
}

// FuseRanked merges separately-ranked semantic and keyword result lists
// via RRF when a caller has obtained them independently rather than
// through the combined hybrid_search call. Most callers use Search
// instead; this is exposed for the rrf_search SQL function's callers.
func FuseRanked(semantic, keyword RankedList, limit int) []FusedResult {
	return RRFFuse([]RankedList{semantic, keyword}, limit)
}
