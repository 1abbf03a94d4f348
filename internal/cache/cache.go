// Package cache mirrors frequently accessed files onto the cache tier and
// keeps hit and miss accounting per file.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

var ErrNoSource = errors.New("no tier holds a readable copy")

type Config struct {
	TTL      time.Duration
	MemoSize int
	MemoTTL  time.Duration
}

// Location tells the caller where a file can be read from.
type Location struct {
	FileID uuid.UUID   `json:"file_id"`
	Tier   models.Tier `json:"tier"`
	Ref    string      `json:"ref"`
	Hit    bool        `json:"hit"`
	// Source is the tier the bytes were copied from on a miss.
	Source models.Tier `json:"source,omitempty"`
}

type Option func(*Layer)

func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

type Layer struct {
	store  store.Store
	tiers  *tier.Registry
	ttl    time.Duration
	memo   *expirable.LRU[uuid.UUID, *models.FileRecord]
	now    func() time.Time
	logger *slog.Logger
}

func NewLayer(st store.Store, tiers *tier.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Layer {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 1024
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = time.Minute
	}
	l := &Layer{
		store:  st,
		tiers:  tiers,
		ttl:    cfg.TTL,
		memo:   expirable.NewLRU[uuid.UUID, *models.FileRecord](cfg.MemoSize, nil, cfg.MemoTTL),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "cache"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Invalidate drops the memoized record for id.
func (l *Layer) Invalidate(id uuid.UUID) {
	l.memo.Remove(id)
}

func (l *Layer) file(ctx context.Context, id uuid.UUID) (*models.FileRecord, error) {
	if f, ok := l.memo.Get(id); ok {
		memoHits.Inc()
		return f, nil
	}
	memoMisses.Inc()

	f, err := l.store.Files().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Deleted() {
		return nil, store.ErrNotFound
	}
	l.memo.Add(id, f)
	return f, nil
}

func (l *Layer) cacheAdapter() tier.Adapter {
	a, err := l.tiers.Get(models.TierCache)
	if err != nil {
		return nil
	}
	return a
}

// Warm populates the cache for up to limit of the most accessed files that
// have no live entry. New entries start with zero counters so they do not
// influence the hit rate until queried.
func (l *Layer) Warm(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	now := l.now()
	files, err := l.store.Files().WarmCandidates(ctx, limit, now)
	if err != nil {
		return 0, fmt.Errorf("list warm candidates: %w", err)
	}

	warmed := 0
	for i := range files {
		f := &files[i]
		if _, err := l.populate(ctx, f); err != nil {
			l.logger.Warn("warm skipped file", "file_id", f.ID, "error", err)
			continue
		}
		entry := &models.CacheEntry{FileID: f.ID, CachedAt: now, ExpiresAt: now.Add(l.ttl)}
		if err := l.store.Cache().Upsert(ctx, entry); err != nil {
			return warmed, fmt.Errorf("write cache entry: %w", err)
		}
		warmed++
	}

	cacheWarmed.Add(float64(warmed))
	l.logger.Info("cache warmed", "requested", limit, "warmed", warmed)
	return warmed, nil
}

// populate copies f onto the cache tier from the most preferred tier that
// holds it and returns that tier. Without a cache adapter nothing is copied
// and the source tier is returned for reading.
func (l *Layer) populate(ctx context.Context, f *models.FileRecord) (models.Tier, error) {
	src, err := l.source(ctx, f)
	if err != nil {
		return "", err
	}
	dst := l.cacheAdapter()
	if dst == nil {
		return src.Tier(), nil
	}

	rc, err := src.Open(ctx, f.StorageKey)
	if err != nil {
		return "", fmt.Errorf("read from %s: %w", src.Tier(), err)
	}
	defer rc.Close()

	if _, err := dst.Upload(ctx, f.StorageKey, rc, tier.UploadOptions{ContentType: f.MimeType}); err != nil {
		return "", fmt.Errorf("write to cache tier: %w", err)
	}
	err = l.store.Files().AddLocation(ctx, models.FileLocation{FileID: f.ID, Tier: models.TierCache, PlacedAt: l.now()})
	if errors.Is(err, store.ErrNotFound) {
		// Deleted while copying; nothing will ever clean this object up.
		if derr := dst.Delete(ctx, f.StorageKey); derr != nil && !errors.Is(derr, tier.ErrNotFound) {
			l.logger.Error("remove cache copy of deleted file", "file_id", f.ID, "error", derr)
		}
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("record cache location: %w", err)
	}
	return src.Tier(), nil
}

func (l *Layer) source(ctx context.Context, f *models.FileRecord) (tier.Adapter, error) {
	locs, err := l.store.Files().Locations(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	held := make(map[models.Tier]bool, len(locs))
	for _, loc := range locs {
		held[loc.Tier] = true
	}

	for _, t := range tier.ReadPreference {
		if !held[t] {
			continue
		}
		a, err := l.tiers.Get(t)
		if err != nil {
			continue
		}
		if a.Exists(ctx, f.StorageKey) {
			return a, nil
		}
	}
	return nil, ErrNoSource
}

// GetOrPopulate returns where file id can be read from. A live entry whose
// blob is still present is a hit; anything else is a miss that copies the
// file onto the cache tier.
func (l *Layer) GetOrPopulate(ctx context.Context, id uuid.UUID) (*Location, error) {
	f, err := l.file(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if err := l.store.Files().TouchAccess(ctx, id, now); err != nil {
		return nil, fmt.Errorf("record access: %w", err)
	}

	dst := l.cacheAdapter()
	entry, err := l.store.Cache().Get(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	live := entry != nil && !entry.Expired(now)

	if live && (dst == nil || dst.Exists(ctx, f.StorageKey)) {
		if _, err := l.store.Cache().RecordHit(ctx, id, now); err == nil {
			cacheRequests.WithLabelValues("hit").Inc()
			return &Location{FileID: id, Tier: models.TierCache, Ref: f.StorageKey, Hit: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("record hit: %w", err)
		}
		live = false
	}

	cacheRequests.WithLabelValues("miss").Inc()
	src, err := l.populate(ctx, f)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.recordMiss(ctx, id, entry, live, now)
		}
		return nil, err
	}
	if err := l.recordMiss(ctx, id, entry, live, now); err != nil {
		return nil, err
	}

	loc := &Location{FileID: id, Tier: models.TierCache, Ref: f.StorageKey, Source: src}
	if dst == nil {
		loc.Tier = src
	}
	return loc, nil
}

// recordMiss counts a miss. A live entry keeps its counters; otherwise a new
// entry starts with this miss.
func (l *Layer) recordMiss(ctx context.Context, id uuid.UUID, prev *models.CacheEntry, live bool, now time.Time) error {
	next := &models.CacheEntry{FileID: id, CachedAt: now, ExpiresAt: now.Add(l.ttl), MissCount: 1}
	if live {
		next.HitCount = prev.HitCount
		next.MissCount = prev.MissCount + 1
	}
	if err := l.store.Cache().Upsert(ctx, next); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Open resolves id through the cache and opens the bytes.
func (l *Layer) Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, *models.FileRecord, *Location, error) {
	loc, err := l.GetOrPopulate(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	f, err := l.file(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	var a tier.Adapter
	if a, err = l.tiers.Get(loc.Tier); err != nil {
		if a, err = l.source(ctx, f); err != nil {
			return nil, nil, nil, err
		}
	}
	rc, err := a.Open(ctx, f.StorageKey)
	if err != nil {
		return nil, nil, nil, err
	}
	return rc, f, loc, nil
}

// CleanExpired removes expired entries together with their cached blobs and
// returns how many entries were removed.
func (l *Layer) CleanExpired(ctx context.Context) (int, error) {
	expired, err := l.store.Cache().ListExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("list expired entries: %w", err)
	}

	dst := l.cacheAdapter()
	removed := 0
	for _, e := range expired {
		if dst != nil {
			if f, err := l.store.Files().Get(ctx, e.FileID); err == nil {
				if err := dst.Delete(ctx, f.StorageKey); err != nil && !errors.Is(err, tier.ErrNotFound) {
					l.logger.Warn("delete cached blob failed", "file_id", e.FileID, "error", err)
					continue
				}
			}
		}
		if err := l.store.Files().RemoveLocation(ctx, e.FileID, models.TierCache); err != nil {
			return removed, fmt.Errorf("remove cache location: %w", err)
		}
		if err := l.store.Cache().Delete(ctx, e.FileID); err != nil {
			return removed, fmt.Errorf("delete cache entry: %w", err)
		}
		removed++
	}

	cacheCleaned.Add(float64(removed))
	if removed > 0 {
		l.logger.Info("expired cache entries removed", "count", removed)
	}
	return removed, nil
}

func (l *Layer) Stats(ctx context.Context) (models.CacheStats, error) {
	s, err := l.store.Cache().Stats(ctx, l.now())
	if err != nil {
		return s, fmt.Errorf("cache stats: %w", err)
	}
	cacheHitRate.Set(s.HitRate)
	return s, nil
}
