package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nonprofitsuite/storagecore/internal/cache"
	"github.com/nonprofitsuite/storagecore/internal/discovery"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
)

var maintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storagecore_maintenance_runs_total",
	Help: "Periodic maintenance task runs by task and result.",
}, []string{"task", "result"})

type MaintenanceConfig struct {
	QueueVisibilityTimeout     time.Duration
	DiscoveryVisibilityTimeout time.Duration
	WarmLimit                  int
	RedispatchLimit            int
}

// MaintenanceWorker runs the periodic housekeeping tasks.
type MaintenanceWorker struct {
	queue     *syncqueue.Service
	discovery *discovery.Pipeline
	cache     *cache.Layer
	cfg       MaintenanceConfig
	logger    *slog.Logger
}

func NewMaintenanceWorker(q *syncqueue.Service, d *discovery.Pipeline, c *cache.Layer, cfg MaintenanceConfig, logger *slog.Logger) *MaintenanceWorker {
	if cfg.RedispatchLimit <= 0 {
		cfg.RedispatchLimit = 100
	}
	return &MaintenanceWorker{queue: q, discovery: d, cache: c, cfg: cfg, logger: logger.With("component", "maintenance")}
}

func (w *MaintenanceWorker) run(t *asynq.Task, fn func() (int, error)) error {
	n, err := fn()
	if err != nil {
		maintenanceRuns.WithLabelValues(t.Type(), "error").Inc()
		w.logger.Error("maintenance task failed", "type", t.Type(), "error", err)
		return err
	}
	maintenanceRuns.WithLabelValues(t.Type(), "ok").Inc()
	w.logger.Debug("maintenance task done", "type", t.Type(), "affected", n)
	return nil
}

func (w *MaintenanceWorker) ReapQueue(ctx context.Context, t *asynq.Task) error {
	return w.run(t, func() (int, error) {
		return w.queue.ReapStuck(ctx, w.cfg.QueueVisibilityTimeout)
	})
}

// ReapDiscovery releases stuck records and dispatches pending ones again.
func (w *MaintenanceWorker) ReapDiscovery(ctx context.Context, t *asynq.Task) error {
	return w.run(t, func() (int, error) {
		reaped, err := w.discovery.ReapStuck(ctx, w.cfg.DiscoveryVisibilityTimeout)
		if err != nil {
			return 0, err
		}
		dispatched, err := w.discovery.Redispatch(ctx, w.cfg.RedispatchLimit)
		return reaped + dispatched, err
	})
}

func (w *MaintenanceWorker) CleanCache(ctx context.Context, t *asynq.Task) error {
	return w.run(t, func() (int, error) {
		return w.cache.CleanExpired(ctx)
	})
}

func (w *MaintenanceWorker) WarmCache(ctx context.Context, t *asynq.Task) error {
	return w.run(t, func() (int, error) {
		return w.cache.Warm(ctx, w.cfg.WarmLimit)
	})
}
