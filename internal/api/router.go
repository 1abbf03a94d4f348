package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nonprofitsuite/storagecore/internal/api/handlers"
	"github.com/nonprofitsuite/storagecore/internal/api/middleware"
	"github.com/nonprofitsuite/storagecore/internal/cache"
	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/discovery"
	"github.com/nonprofitsuite/storagecore/internal/registry"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
)

// Services are the wired domain services the API exposes. Redis is optional
// and only used for the readiness check.
type Services struct {
	Store     store.Store
	Redis     *redis.Client
	Registry  *registry.Registry
	Queue     *syncqueue.Service
	Cache     *cache.Layer
	Discovery *discovery.Pipeline
}

type Router struct {
	mux    *chi.Mux
	svc    Services
	cfg    *config.Config
	logger *slog.Logger
}

func NewRouter(svc Services, cfg *config.Config, logger *slog.Logger) *Router {
	return &Router{
		mux:    chi.NewRouter(),
		svc:    svc,
		cfg:    cfg,
		logger: logger,
	}
}

// Setup mounts middleware and routes. ctx bounds background helpers such as
// the rate limiter janitor.
func (rt *Router) Setup(ctx context.Context) http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(rt.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(rt.cfg.Server.CORSOrigins))

	if rt.cfg.Server.RateLimitRPS > 0 {
		rl := middleware.NewRateLimiter(ctx, rt.cfg.Server.RateLimitRPS, rt.cfg.Server.RateLimitBurst)
		r.Use(rl.Limit)
	}

	health := handlers.NewHealthHandler(rt.svc.Store, rt.svc.Redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	logger := rt.logger.With("component", "api")

	r.Route("/api/v1", func(r chi.Router) {
		fileH := handlers.NewFileHandler(rt.svc.Registry, rt.svc.Cache, logger)
		r.Route("/files", func(r chi.Router) {
			r.Get("/", fileH.List)
			r.Post("/", fileH.Upload)
			r.Get("/{id}", fileH.Get)
			r.Patch("/{id}", fileH.Update)
			r.Delete("/{id}", fileH.Delete)
			r.Post("/{id}/physical-copy", fileH.SetPhysicalCopy)
			r.Get("/{id}/content", fileH.Content)
		})

		syncH := handlers.NewSyncQueueHandler(rt.svc.Queue, rt.cfg.Queue.VisibilityTimeout, logger)
		r.Route("/sync-queue", func(r chi.Router) {
			r.Get("/", syncH.List)
			r.Get("/stats", syncH.Stats)
			r.Post("/reap", syncH.Reap)
			r.Post("/{id}/retry", syncH.Retry)
		})

		cacheH := handlers.NewCacheHandler(rt.svc.Cache, rt.cfg.Cache.WarmLimit, logger)
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", cacheH.Stats)
			r.Post("/warm", cacheH.Warm)
			r.Post("/clean", cacheH.Clean)
		})

		discoveryH := handlers.NewDiscoveryHandler(rt.svc.Discovery, logger)
		r.Route("/discovery", func(r chi.Router) {
			r.Get("/", discoveryH.List)
			r.Get("/stats", discoveryH.Stats)
			r.Get("/{fileID}", discoveryH.Get)
			r.Post("/{fileID}/process", discoveryH.Process)
			r.Post("/{fileID}/accept", discoveryH.Accept)
			r.Post("/{fileID}/reject", discoveryH.Reject)
		})

		storageH := handlers.NewStorageHandler(rt.svc.Registry)
		r.Get("/storage/usage", storageH.Usage)
	})

	return r
}
