package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nonprofitsuite/storagecore/internal/models"
)

const cacheColumns = `file_id, cached_at, expires_at, hit_count, miss_count`

type cacheRepo struct {
	db DBTX
}

func scanCacheEntry(row pgx.Row) (*models.CacheEntry, error) {
	e := &models.CacheEntry{}
	if err := row.Scan(&e.FileID, &e.CachedAt, &e.ExpiresAt, &e.HitCount, &e.MissCount); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *cacheRepo) Get(ctx context.Context, fileID uuid.UUID) (*models.CacheEntry, error) {
	e, err := scanCacheEntry(r.db.QueryRow(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE file_id = $1`, fileID))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (r *cacheRepo) Upsert(ctx context.Context, e *models.CacheEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_id) DO UPDATE SET
			cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at,
			hit_count = EXCLUDED.hit_count, miss_count = EXCLUDED.miss_count`,
		e.FileID, e.CachedAt, e.ExpiresAt, e.HitCount, e.MissCount)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (r *cacheRepo) RecordHit(ctx context.Context, fileID uuid.UUID, now time.Time) (*models.CacheEntry, error) {
	e, err := scanCacheEntry(r.db.QueryRow(ctx, `
		UPDATE cache_entries SET hit_count = hit_count + 1
		WHERE file_id = $1 AND expires_at >= $2
		RETURNING `+cacheColumns, fileID, now))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (r *cacheRepo) Delete(ctx context.Context, fileID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM cache_entries WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (r *cacheRepo) ListExpired(ctx context.Context, now time.Time) ([]models.CacheEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired cache entries: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *cacheRepo) Stats(ctx context.Context, now time.Time) (models.CacheStats, error) {
	var s models.CacheStats
	err := r.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE expires_at >= $1),
			COALESCE(sum(hit_count) FILTER (WHERE expires_at >= $1 AND hit_count + miss_count > 0), 0)::bigint,
			COALESCE(sum(miss_count) FILTER (WHERE expires_at >= $1 AND hit_count + miss_count > 0), 0)::bigint
		FROM cache_entries`, now).Scan(&s.Entries, &s.Live, &s.Hits, &s.Misses)
	if err != nil {
		return s, fmt.Errorf("cache stats: %w", err)
	}
	s.Expired = s.Entries - s.Live
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}
