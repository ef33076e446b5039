package retrieval

import "context"

// RerankCandidate is one (query, passage) pair presented to a Reranker.
type RerankCandidate struct {
	ID      string
	Content string
	Score   float64
}

// Reranked is one candidate after cross-encoder scoring.
type Reranked struct {
	ID            string
	Content       string
	OriginalScore float64
	RerankScore   float64
}

// Reranker is the pluggable L1 cross-encoder contract. The concrete
// cross-encoder model is an external collaborator; this package only
// depends on the interface.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []RerankCandidate, topK int) ([]Reranked, error)
}
