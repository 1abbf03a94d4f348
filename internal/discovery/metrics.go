package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_discovery_submitted_total",
		Help: "Discovery records created.",
	})

	processed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_discovery_processed_total",
		Help: "Discovery processing attempts by outcome.",
	}, []string{"outcome"})

	reviewed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_discovery_reviewed_total",
		Help: "Operator review decisions.",
	}, []string{"decision"})

	processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storagecore_discovery_process_duration_seconds",
		Help:    "Time from claim to stored result.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	awaitingReview = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storagecore_discovery_awaiting_review",
		Help: "Records awaiting operator review as of the last stats call.",
	})
)
