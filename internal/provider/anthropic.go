// Package provider holds the thin HTTP adapters behind the external
// language-model and embedding collaborators: consolidation.LMClient,
// consolidation.Embedder, and agent.LMClient are satisfied here by real
// API calls rather than stubs.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AnthropicClient implements Complete against the Anthropic Messages
// API, satisfying consolidation.LMClient and agent.LMClient.
type AnthropicClient struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

// AnthropicConfig configures the client.
type AnthropicConfig struct {
	APIKey    string
	Model     string // default: claude-3-5-haiku-20241022
	MaxTokens int    // default: 1024
	BaseURL   string // default: https://api.anthropic.com/v1
}

// NewAnthropicClient builds an AnthropicClient from config, applying
// defaults for anything left zero-valued.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicClient{
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

type anthropicRequest struct {
	Model     string         `json:"model"`
	Messages  []anthropicMsg `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

// Complete sends prompt as a single user message and concatenates the
// text blocks of the response, satisfying the single-method LMClient
// contract every consumer in this codebase depends on.
func (a *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []anthropicMsg{{Role: "user", Content: prompt}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := postJSON(ctx, a.client, a.baseURL+"/messages", map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}, body)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var out string
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out, nil
}
