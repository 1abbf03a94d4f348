package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// costPerToken stores USD pricing per 1K tokens: [input, output].
var costPerToken = map[string][2]float64{
	"gpt-4o":        {0.005, 0.015},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-3.5-turbo": {0.0005, 0.0015},

	"claude-3-haiku-20240307":  {0.00025, 0.00125},
	"claude-sonnet-4-20250514": {0.003, 0.015},
	"claude-opus-4-20250514":   {0.015, 0.075},
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_llm_requests_total",
		Help: "LLM calls by provider and result.",
	}, []string{"provider", "result"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_llm_tokens_total",
		Help: "Tokens consumed by provider and direction.",
	}, []string{"provider", "direction"})

	costTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_llm_cost_usd_total",
		Help: "Estimated LLM spend in USD.",
	}, []string{"provider", "model"})

	latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storagecore_llm_latency_seconds",
		Help:    "LLM call latency.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider"})
)

func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	prices, ok := costPerToken[model]
	if !ok {
		return 0
	}
	inputCost := float64(inputTokens) / 1000.0 * prices[0]
	outputCost := float64(outputTokens) / 1000.0 * prices[1]
	return inputCost + outputCost
}

func observe(resp *ChatResponse) {
	requestsTotal.WithLabelValues(resp.Provider, "ok").Inc()
	tokensTotal.WithLabelValues(resp.Provider, "input").Add(float64(resp.InputTokens))
	tokensTotal.WithLabelValues(resp.Provider, "output").Add(float64(resp.OutputTokens))
	costTotal.WithLabelValues(resp.Provider, resp.Model).Add(resp.CostUSD)
	latency.WithLabelValues(resp.Provider).Observe(float64(resp.LatencyMs) / 1000)
}
