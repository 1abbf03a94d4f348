package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nonprofitsuite/storagecore/internal/config"
)

var ErrNoProvider = errors.New("no llm provider configured")

type Gateway struct {
	providers        map[string]Provider
	defaultProvider  string
	fallbackProvider string
	maxRetries       int
	backoff          func(attempt int) time.Duration
	logger           *slog.Logger
}

// NewGateway registers every provider that has credentials in cfg.
func NewGateway(cfg config.LLMConfig, logger *slog.Logger) *Gateway {
	var providers []Provider
	if cfg.OpenAIKey != "" {
		providers = append(providers, NewOpenAIProvider(cfg.OpenAIKey, defaultFor(cfg, "openai", "gpt-4o-mini")))
	}
	if cfg.AnthropicKey != "" {
		providers = append(providers, NewAnthropicProvider(cfg.AnthropicKey, defaultFor(cfg, "anthropic", "claude-3-haiku-20240307")))
	}
	if cfg.OllamaURL != "" {
		providers = append(providers, NewOllamaProvider(cfg.OllamaURL, defaultFor(cfg, "ollama", "llama3")))
	}
	return NewGatewayWith(cfg.DefaultProvider, cfg.FallbackProvider, cfg.MaxRetries, logger, providers...)
}

func defaultFor(cfg config.LLMConfig, provider, fallback string) string {
	if cfg.DefaultProvider == provider && cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return fallback
}

func NewGatewayWith(defaultProvider, fallbackProvider string, maxRetries int, logger *slog.Logger, providers ...Provider) *Gateway {
	g := &Gateway{
		providers:        make(map[string]Provider, len(providers)),
		defaultProvider:  defaultProvider,
		fallbackProvider: fallbackProvider,
		maxRetries:       maxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * 500 * time.Millisecond
		},
		logger: logger.With("component", "llm"),
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g
}

// SetBackoff replaces the delay between retries.
func (g *Gateway) SetBackoff(fn func(attempt int) time.Duration) {
	g.backoff = fn
}

func (g *Gateway) Enabled() bool { return len(g.providers) > 0 }

func (g *Gateway) Provider(name string) (Provider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, name)
	}
	return p, nil
}

func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	providerName := req.Provider
	if providerName == "" {
		providerName = g.defaultProvider
	}

	resp, err := g.chatWithRetry(ctx, providerName, req)
	if err != nil && ctx.Err() == nil && g.fallbackProvider != "" && g.fallbackProvider != providerName {
		g.logger.Warn("primary provider failed, trying fallback",
			"primary", providerName,
			"fallback", g.fallbackProvider,
			"error", err,
		)
		// the model name belongs to the primary provider
		req.Model = ""
		return g.chatWithRetry(ctx, g.fallbackProvider, req)
	}
	return resp, err
}

func (g *Gateway) chatWithRetry(ctx context.Context, providerName string, req ChatRequest) (*ChatResponse, error) {
	p, err := g.Provider(providerName)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.backoff(attempt)):
			}
			g.logger.Debug("retrying llm call", "provider", providerName, "attempt", attempt)
		}

		resp, err := p.Chat(ctx, req)
		if err == nil {
			observe(resp)
			return resp, nil
		}
		requestsTotal.WithLabelValues(providerName, "error").Inc()
		lastErr = err
	}
	return nil, fmt.Errorf("all retries exhausted for %s: %w", providerName, lastErr)
}
