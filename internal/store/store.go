// Package store defines the persistence contracts shared by the registry,
// sync queue, cache layer and discovery pipeline. Two implementations exist:
// store/postgres for production and store/memory for tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nonprofitsuite/storagecore/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	// ErrStateChanged is returned when a conditional state transition did not
	// match, i.e. another caller moved the row first.
	ErrStateChanged = errors.New("state changed concurrently")
)

type Store interface {
	Files() FileRepository
	Queue() QueueRepository
	Cache() CacheRepository
	Discovery() DiscoveryRepository

	// WithTx runs fn against a transactional view of the store. Returning an
	// error from fn rolls every write back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
	Close()
}

type FileFilter struct {
	Category   *models.Category
	Visibility *models.Visibility
	Status     *models.DocumentStatus
	Text       string
	Limit      int
	Offset     int
}

type FileRepository interface {
	Create(ctx context.Context, f *models.FileRecord) error
	// Get returns soft-deleted records too; callers decide visibility.
	Get(ctx context.Context, id uuid.UUID) (*models.FileRecord, error)
	Update(ctx context.Context, f *models.FileRecord) error
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	// Search never returns soft-deleted records.
	Search(ctx context.Context, filter FileFilter) ([]models.FileRecord, int, error)
	TouchAccess(ctx context.Context, id uuid.UUID, at time.Time) error
	// WarmCandidates lists live files without a non-expired cache entry,
	// most accessed first, then most recently accessed.
	WarmCandidates(ctx context.Context, limit int, now time.Time) ([]models.FileRecord, error)

	// AddLocation returns ErrNotFound for missing or soft-deleted files.
	AddLocation(ctx context.Context, loc models.FileLocation) error
	RemoveLocation(ctx context.Context, id uuid.UUID, tier models.Tier) error
	Locations(ctx context.Context, id uuid.UUID) ([]models.FileLocation, error)
	MarkVerified(ctx context.Context, id uuid.UUID, tier models.Tier, at time.Time) error
}

type QueueRepository interface {
	Insert(ctx context.Context, item *models.SyncQueueItem) error
	Get(ctx context.Context, id uuid.UUID) (*models.SyncQueueItem, error)
	// ClaimNext atomically moves the most urgent pending item to processing.
	// Returns ErrNotFound when nothing is pending.
	ClaimNext(ctx context.Context, now time.Time) (*models.SyncQueueItem, error)
	// Complete moves a processing item to completed.
	Complete(ctx context.Context, id uuid.UUID, now time.Time) (*models.SyncQueueItem, error)
	// RecordFailure counts a failed attempt on a processing item. Items that
	// reach maxAttempts become failed; failed items are returned unchanged.
	RecordFailure(ctx context.Context, id uuid.UUID, msg string, maxAttempts int, now time.Time) (*models.SyncQueueItem, error)
	// Retry resets a failed item to pending with a fresh attempt budget.
	Retry(ctx context.Context, id uuid.UUID, now time.Time) (*models.SyncQueueItem, error)
	// ReapStuck treats processing items claimed before claimedBefore as
	// failed attempts and returns how many were released.
	ReapStuck(ctx context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, error)
	List(ctx context.Context, status *models.SyncStatus, limit, offset int) ([]models.SyncQueueItem, int, error)
	Stats(ctx context.Context) (models.SyncStats, error)
}

type CacheRepository interface {
	Get(ctx context.Context, fileID uuid.UUID) (*models.CacheEntry, error)
	Upsert(ctx context.Context, e *models.CacheEntry) error
	// RecordHit increments hit_count on a live entry. Missing or expired
	// entries yield ErrNotFound.
	RecordHit(ctx context.Context, fileID uuid.UUID, now time.Time) (*models.CacheEntry, error)
	Delete(ctx context.Context, fileID uuid.UUID) error
	ListExpired(ctx context.Context, now time.Time) ([]models.CacheEntry, error)
	Stats(ctx context.Context, now time.Time) (models.CacheStats, error)
}

type DiscoveryFilter struct {
	Status      *models.DiscoveryStatus
	NeedsReview *bool
	Band        models.ConfidenceBand
	Thresholds  models.Thresholds
	Limit       int
	Offset      int
}

type DiscoveryRepository interface {
	Insert(ctx context.Context, d *models.DiscoveryRecord) error
	Get(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error)
	// Claim moves a pending record to processing.
	Claim(ctx context.Context, fileID uuid.UUID, now time.Time) (*models.DiscoveryRecord, error)
	// Release returns a processing record to pending after a failure.
	Release(ctx context.Context, fileID uuid.UUID, msg string, now time.Time) error
	// SaveResult stores classification output on a processing record.
	SaveResult(ctx context.Context, d *models.DiscoveryRecord) error
	// Review moves a needs_review record to reviewed with the decision.
	Review(ctx context.Context, fileID uuid.UUID, decision models.ReviewDecision, now time.Time) (*models.DiscoveryRecord, error)
	List(ctx context.Context, filter DiscoveryFilter) ([]models.DiscoveryRecord, int, error)
	ReapStuck(ctx context.Context, claimedBefore, now time.Time) (int, error)
	Stats(ctx context.Context, t models.Thresholds) (models.DiscoveryStats, error)
}
