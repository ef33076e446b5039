package consolidation

import "context"

// LMClient is the external language-model collaborator: only its
// contract lives here, concrete adapters live in internal/provider.
type LMClient interface {
	// Complete returns the model's raw text completion for prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder is the out-of-scope embedding-model collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
