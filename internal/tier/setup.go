package tier

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/models"
)

const gib = int64(1) << 30

// Build registers one adapter per tier according to cfg. Tiers with an empty
// backend stay unregistered. rdb may be nil when no tier uses redis.
func Build(ctx context.Context, cfg config.TiersConfig, rdb *redis.Client, cacheTTL time.Duration) (*Registry, error) {
	reg := NewRegistry()

	backends := map[models.Tier]string{
		models.TierLocal:  "local",
		models.TierCDN:    cfg.CDNBackend,
		models.TierCloud:  cfg.CloudBackend,
		models.TierCache:  cfg.CacheBackend,
		models.TierCollab: cfg.CollabBackend,
	}

	for _, t := range models.Tiers() {
		backend := backends[t]
		if backend == "" {
			continue
		}

		a, err := newAdapter(ctx, t, backend, cfg, rdb, cacheTTL)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", t, err)
		}
		reg.Register(a)
	}
	return reg, nil
}

func newAdapter(ctx context.Context, t models.Tier, backend string, cfg config.TiersConfig, rdb *redis.Client, cacheTTL time.Duration) (Adapter, error) {
	switch backend {
	case "local":
		return NewLocal(t, filepath.Join(cfg.LocalDir, string(t)), 0)
	case "s3":
		return NewS3(ctx, t, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
			Capacity:  cfg.S3CapacityGiB * gib,
		})
	case "supabase":
		if cfg.SupabaseURL == "" {
			return nil, fmt.Errorf("SUPABASE_URL is required for the supabase backend")
		}
		bucket, public := cfg.CollabBucket, false
		if t == models.TierCDN {
			bucket, public = cfg.CDNBucket, true
		}
		return NewSupabase(t, SupabaseConfig{
			URL:        cfg.SupabaseURL,
			ServiceKey: cfg.SupabaseKey,
			Bucket:     bucket,
			Public:     public,
		}), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedis(t, rdb, cacheTTL), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}
