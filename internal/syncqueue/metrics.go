package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_sync_items_enqueued_total",
		Help: "Sync items enqueued, by operation and target tier.",
	}, []string{"operation", "to_tier"})

	itemsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_sync_attempts_total",
		Help: "Sync attempts by operation, target tier and result (completed, retry, failed).",
	}, []string{"operation", "to_tier", "result"})

	itemsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_sync_items_reaped_total",
		Help: "Processing items released after the visibility timeout.",
	})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storagecore_sync_operation_duration_seconds",
		Help:    "Time spent executing one sync operation against the tiers.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "to_tier"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storagecore_sync_queue_items",
		Help: "Sync queue items by status as of the last stats call.",
	}, []string{"status"})
)
