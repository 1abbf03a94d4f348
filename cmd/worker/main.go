package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nonprofitsuite/storagecore/internal/app"
	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/queue"
	"github.com/nonprofitsuite/storagecore/internal/queue/workers"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	registry := queue.NewHandlersRegistry()

	discoveryWorker := workers.NewDiscoveryWorker(a.Discovery, logger)
	registry.Register(queue.TypeDiscoveryProcess, discoveryWorker.ProcessTask)

	maintenance := workers.NewMaintenanceWorker(a.Queue, a.Discovery, a.Cache, workers.MaintenanceConfig{
		QueueVisibilityTimeout:     cfg.Queue.VisibilityTimeout,
		DiscoveryVisibilityTimeout: cfg.Discovery.VisibilityTimeout,
		WarmLimit:                  cfg.Cache.WarmLimit,
	}, logger)
	registry.Register(queue.TypeQueueReap, maintenance.ReapQueue)
	registry.Register(queue.TypeDiscoveryReap, maintenance.ReapDiscovery)
	registry.Register(queue.TypeCacheClean, maintenance.CleanCache)
	registry.Register(queue.TypeCacheWarm, maintenance.WarmCache)

	srv := queue.NewServer(cfg.Redis, cfg.Queue.TaskConcurrency, logger)
	scheduler, err := queue.NewScheduler(cfg.Redis, queue.ScheduleFromConfig(cfg), logger)
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	syncWorker := syncqueue.NewWorker(a.Queue, a.Store, a.Tiers, syncqueue.WorkerConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncWorker.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("starting task server", "concurrency", cfg.Queue.TaskConcurrency, "types", registry.Types())
		if err := srv.Start(registry.Mux()); err != nil {
			return err
		}
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
