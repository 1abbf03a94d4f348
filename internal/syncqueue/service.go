// Package syncqueue owns the durable queue of inter-tier sync operations and
// the worker pool that executes them.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
)

var ErrInvalidItem = errors.New("invalid sync item")

type Option func(*Service)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewService(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "syncqueue"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithStore returns a copy bound to st, typically a transaction.
func (s *Service) WithStore(st store.Store) *Service {
	cp := *s
	cp.store = st
	return &cp
}

func (s *Service) Enqueue(ctx context.Context, fileID uuid.UUID, op models.SyncOperation, from, to models.Tier, priority int) (uuid.UUID, error) {
	if _, err := models.ParseSyncOperation(string(op)); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if _, err := models.ParseTier(string(from)); err != nil {
		return uuid.Nil, fmt.Errorf("%w: from_tier: %v", ErrInvalidItem, err)
	}
	if _, err := models.ParseTier(string(to)); err != nil {
		return uuid.Nil, fmt.Errorf("%w: to_tier: %v", ErrInvalidItem, err)
	}
	if priority < 1 {
		return uuid.Nil, fmt.Errorf("%w: priority must be positive", ErrInvalidItem)
	}

	item := models.NewSyncQueueItem(fileID, op, from, to, priority, s.now())
	if err := s.store.Queue().Insert(ctx, &item); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", op, err)
	}

	itemsEnqueued.WithLabelValues(string(op), string(to)).Inc()
	s.logger.Debug("sync item enqueued",
		"item_id", item.ID, "file_id", fileID, "operation", op,
		"from_tier", from, "to_tier", to, "priority", priority)
	return item.ID, nil
}

// DequeueNext claims the most urgent pending item, or returns nil when the
// queue is empty.
func (s *Service) DequeueNext(ctx context.Context) (*models.SyncQueueItem, error) {
	item, err := s.store.Queue().ClaimNext(ctx, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return item, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.SyncQueueItem, error) {
	return s.store.Queue().Get(ctx, id)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) error {
	item, err := s.store.Queue().Complete(ctx, id, s.now())
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	itemsFinished.WithLabelValues(string(item.Operation), string(item.ToTier), "completed").Inc()
	return nil
}

// Fail records a failed attempt. The item returns to pending until it has
// failed MaxSyncAttempts times; failing a failed item changes nothing.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, msg string) (*models.SyncQueueItem, error) {
	return s.fail(ctx, id, msg, models.MaxSyncAttempts)
}

// FailPermanently marks a processing item failed regardless of its
// remaining attempt budget.
func (s *Service) FailPermanently(ctx context.Context, item *models.SyncQueueItem, msg string) (*models.SyncQueueItem, error) {
	return s.fail(ctx, item.ID, msg, min(item.Attempts+1, models.MaxSyncAttempts))
}

func (s *Service) fail(ctx context.Context, id uuid.UUID, msg string, maxAttempts int) (*models.SyncQueueItem, error) {
	item, err := s.store.Queue().RecordFailure(ctx, id, msg, maxAttempts, s.now())
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", id, err)
	}

	result := "retry"
	if item.Status == models.SyncFailed {
		result = "failed"
	}
	itemsFinished.WithLabelValues(string(item.Operation), string(item.ToTier), result).Inc()
	s.logger.Warn("sync attempt failed",
		"item_id", id, "attempts", item.Attempts, "status", item.Status, "error", msg)
	return item, nil
}

// Retry puts a failed item back in the queue with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*models.SyncQueueItem, error) {
	item, err := s.store.Queue().Retry(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	s.logger.Info("sync item re-enqueued", "item_id", id)
	return item, nil
}

// ReapStuck releases items that have been processing for longer than
// timeout. Each release counts as a failed attempt.
func (s *Service) ReapStuck(ctx context.Context, timeout time.Duration) (int, error) {
	now := s.now()
	n, err := s.store.Queue().ReapStuck(ctx, now.Add(-timeout), models.MaxSyncAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("reap stuck items: %w", err)
	}
	if n > 0 {
		itemsReaped.Add(float64(n))
		s.logger.Warn("released stuck sync items", "count", n, "timeout", timeout)
	}
	return n, nil
}

func (s *Service) List(ctx context.Context, status *models.SyncStatus, page, perPage int) (models.Page[models.SyncQueueItem], error) {
	if err := models.ValidatePage(page, perPage); err != nil {
		return models.Page[models.SyncQueueItem]{}, err
	}
	items, total, err := s.store.Queue().List(ctx, status, perPage, models.Offset(page, perPage))
	if err != nil {
		return models.Page[models.SyncQueueItem]{}, fmt.Errorf("list sync items: %w", err)
	}
	return models.NewPage(items, total, page, perPage), nil
}

func (s *Service) Stats(ctx context.Context) (models.SyncStats, error) {
	stats, err := s.store.Queue().Stats(ctx)
	if err != nil {
		return stats, fmt.Errorf("sync stats: %w", err)
	}
	queueDepth.WithLabelValues(string(models.SyncPending)).Set(float64(stats.Pending))
	queueDepth.WithLabelValues(string(models.SyncProcessing)).Set(float64(stats.Processing))
	queueDepth.WithLabelValues(string(models.SyncFailed)).Set(float64(stats.Failed))
	return stats, nil
}
