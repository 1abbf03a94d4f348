// Package llm routes chat completions to OpenAI, Anthropic or Ollama with
// retry and a fallback provider. Discovery uses it to classify documents.
package llm

import (
	"context"
)

// Provider abstracts a chat completion backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	// DefaultModel is used when a request does not name a model.
	DefaultModel() string
}

type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

type ChatRequest struct {
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// JSON asks the provider for a single JSON object when it supports it.
	JSON bool `json:"json,omitempty"`
}

type ChatResponse struct {
	ID           string  `json:"id"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Content      string  `json:"content"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
}

func modelOrDefault(req ChatRequest, p Provider) string {
	if req.Model != "" {
		return req.Model
	}
	return p.DefaultModel()
}
