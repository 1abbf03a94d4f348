package models

import (
	"time"

	"github.com/google/uuid"
)

type CacheEntry struct {
	FileID    uuid.UUID `json:"file_id" db:"file_id"`
	CachedAt  time.Time `json:"cached_at" db:"cached_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	HitCount  int64     `json:"hit_count" db:"hit_count"`
	MissCount int64     `json:"miss_count" db:"miss_count"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Queried reports whether the entry has ever been requested through the
// cache, as opposed to only being warmed.
func (e *CacheEntry) Queried() bool {
	return e.HitCount+e.MissCount > 0
}

type CacheStats struct {
	Entries int     `json:"entries"`
	Live    int     `json:"live"`
	Expired int     `json:"expired"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ComputeCacheStats aggregates entries as of now. Only live entries that were
// actually queried contribute to hits, misses and the hit rate.
func ComputeCacheStats(entries []CacheEntry, now time.Time) CacheStats {
	var s CacheStats
	s.Entries = len(entries)
	for i := range entries {
		e := &entries[i]
		if e.Expired(now) {
			s.Expired++
			continue
		}
		s.Live++
		if !e.Queried() {
			continue
		}
		s.Hits += e.HitCount
		s.Misses += e.MissCount
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
