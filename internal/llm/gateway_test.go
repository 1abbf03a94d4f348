package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name   string
	fails  int
	calls  int
	models []string
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return p.name + "-default" }

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	p.calls++
	p.models = append(p.models, req.Model)
	if p.calls <= p.fails {
		return nil, errors.New("upstream unavailable")
	}
	return &ChatResponse{Provider: p.name, Model: modelOrDefault(req, p), Content: "ok"}, nil
}

func newTestGateway(primary, fallback *scriptedProvider, retries int) *Gateway {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	providers := []Provider{primary}
	fallbackName := ""
	if fallback != nil {
		providers = append(providers, fallback)
		fallbackName = fallback.name
	}
	g := NewGatewayWith(primary.name, fallbackName, retries, logger, providers...)
	g.SetBackoff(func(int) time.Duration { return 0 })
	return g
}

func TestGatewayRetriesPrimary(t *testing.T) {
	primary := &scriptedProvider{name: "openai", fails: 2}
	g := newTestGateway(primary, nil, 2)

	resp, err := g.Chat(context.Background(), ChatRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 3, primary.calls)
}

func TestGatewayFallsBackWithProviderDefaultModel(t *testing.T) {
	primary := &scriptedProvider{name: "openai", fails: 10}
	fallback := &scriptedProvider{name: "ollama"}
	g := newTestGateway(primary, fallback, 1)

	resp, err := g.Chat(context.Background(), ChatRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, "ollama-default", resp.Model)
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, []string{""}, fallback.models)
}

func TestGatewayUnknownProvider(t *testing.T) {
	g := newTestGateway(&scriptedProvider{name: "openai"}, nil, 0)

	_, err := g.Chat(context.Background(), ChatRequest{Provider: "anthropic"})
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.True(t, g.Enabled())
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 0.00075, CalculateCost("gpt-4o-mini", 1000, 1000), 1e-9)
	assert.Zero(t, CalculateCost("llama3", 1000, 1000))
}
