package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAIEmbedder generates embeddings via OpenAI's /embeddings
// endpoint, satisfying consolidation.Embedder. Grounded directly on
// vinayprograms-agent's src/internal/memory/embedding.go
// OpenAIEmbedder, trimmed to the single-text Embed signature this
// codebase's Embedder interface requires.
type OpenAIEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	dim     int
	client  *http.Client
}

// OpenAIEmbedderConfig configures the embedder.
type OpenAIEmbedderConfig struct {
	APIKey  string
	Model   string // default: text-embedding-3-small
	BaseURL string // default: https://api.openai.com/v1
	Dim     int    // default: 1536, must match the memories.embedding column width
}

// NewOpenAIEmbedder builds an OpenAIEmbedder from config.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	dim := cfg.Dim
	if dim <= 0 {
		dim = 1536
	}
	return &OpenAIEmbedder{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		dim:     dim,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Dimension returns the configured embedding width, the process-wide
// constant D the memory/fact invariants check embeddings against.
func (e *OpenAIEmbedder) Dimension() int { return e.dim }

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns the embedding vector for a single text, satisfying
// consolidation.Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := openAIEmbedRequest{Model: e.model, Input: []string{text}}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := postJSON(ctx, e.client, e.baseURL+"/embeddings", map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + e.apiKey,
	}, body)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}

	var embedResp openAIEmbedResponse
	if err := json.Unmarshal(respBody, &embedResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(embedResp.Data) == 0 {
		return nil, fmt.Errorf("embedding API returned no data")
	}
	return embedResp.Data[0].Embedding, nil
}
