// Package app wires the storage services from configuration. Both binaries
// build the same graph; only what they run on top of it differs.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nonprofitsuite/storagecore/internal/cache"
	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/database"
	"github.com/nonprofitsuite/storagecore/internal/discovery"
	"github.com/nonprofitsuite/storagecore/internal/llm"
	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/queue"
	"github.com/nonprofitsuite/storagecore/internal/registry"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/store/memory"
	"github.com/nonprofitsuite/storagecore/internal/store/postgres"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

type App struct {
	Config    *config.Config
	Store     store.Store
	Redis     *redis.Client
	Tiers     *tier.Registry
	Tasks     *queue.Client
	Queue     *syncqueue.Service
	Cache     *cache.Layer
	Discovery *discovery.Pipeline
	Registry  *registry.Registry
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, cache tier and task dispatch will fail until it recovers", "error", err)
	}

	tiers, err := tier.Build(ctx, cfg.Tiers, rdb, cfg.Cache.TTL)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, fmt.Errorf("build tiers: %w", err)
	}
	logger.Info("storage tiers ready", "tiers", tiers.Tiers())

	regCfg, err := registryConfig(cfg.Tiers)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, err
	}

	tasks := queue.NewClient(cfg.Redis)
	layer := cache.NewLayer(st, tiers, cache.Config{TTL: cfg.Cache.TTL, MemoSize: cfg.Cache.MemoSize}, logger)

	gateway := llm.NewGateway(cfg.LLM, logger)
	var dispatcher discovery.Dispatcher = tasks
	if !gateway.Enabled() {
		// Records stay pending until a provider is configured.
		logger.Warn("no AI provider configured, discovery will not be dispatched")
		dispatcher = nil
	}
	pipeline := discovery.NewPipeline(st, tiers,
		discovery.NewLLMClassifier(gateway, cfg.Discovery.Model),
		dispatcher,
		discovery.Config{
			Thresholds:       models.Thresholds{High: cfg.Discovery.HighThreshold, Medium: cfg.Discovery.MediumThreshold},
			AutoAccept:       cfg.Discovery.AutoAccept,
			MaxContentTokens: cfg.Discovery.MaxContentTokens,
		},
		logger,
		discovery.WithFileChangeHook(layer.Invalidate),
	)

	svc := syncqueue.NewService(st, logger)
	reg := registry.New(st, tiers, svc, pipeline, regCfg, logger,
		registry.WithFileChangeHook(layer.Invalidate))

	return &App{
		Config:    cfg,
		Store:     st,
		Redis:     rdb,
		Tiers:     tiers,
		Tasks:     tasks,
		Queue:     svc,
		Cache:     layer,
		Discovery: pipeline,
		Registry:  reg,
	}, nil
}

func (a *App) Close() {
	if err := a.Tasks.Close(); err != nil {
		slog.Warn("close task client", "error", err)
	}
	a.Redis.Close()
	a.Store.Close()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.New(), nil
	}

	if err := database.RunMigrations(cfg.Database.URL, logger); err != nil {
		return nil, err
	}
	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return postgres.New(pool), nil
}

func registryConfig(cfg config.TiersConfig) (registry.Config, error) {
	var out registry.Config
	ingest, err := models.ParseTier(cfg.Ingest)
	if err != nil {
		return out, fmt.Errorf("TIER_INGEST: %w", err)
	}
	out.Ingest = ingest

	for _, r := range cfg.Replicas {
		t, err := models.ParseTier(r)
		if err != nil {
			return out, fmt.Errorf("TIER_REPLICAS: %w", err)
		}
		out.Replicas = append(out.Replicas, t)
	}

	if cfg.PublicTo != "" {
		t, err := models.ParseTier(cfg.PublicTo)
		if err != nil {
			return out, fmt.Errorf("TIER_PUBLIC: %w", err)
		}
		out.PublicTo = t
	}
	return out, nil
}
