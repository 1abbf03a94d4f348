package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

// errPermanent marks failures that no retry can fix.
var errPermanent = errors.New("permanent failure")

type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
}

// Worker runs a pool of goroutines that claim queue items and execute them
// against the tier adapters.
type Worker struct {
	svc    *Service
	store  store.Store
	tiers  *tier.Registry
	cfg    WorkerConfig
	logger *slog.Logger
}

func NewWorker(svc *Service, st store.Store, tiers *tier.Registry, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		svc:    svc,
		store:  st,
		tiers:  tiers,
		cfg:    cfg,
		logger: logger.With("component", "sync-worker"),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("sync worker pool starting", "workers", w.cfg.Workers, "poll_interval", w.cfg.PollInterval)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			w.loop(ctx, id)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("sync worker pool stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With("worker", id)
	for {
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("sync worker iteration failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and executes a single item. It reports whether an item was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	item, err := w.svc.DequeueNext(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	start := time.Now()
	execErr := w.Execute(ctx, item)
	operationDuration.WithLabelValues(string(item.Operation), string(item.ToTier)).Observe(time.Since(start).Seconds())

	if execErr == nil {
		w.logger.Info("sync item completed",
			"item_id", item.ID, "file_id", item.FileID, "operation", item.Operation,
			"from_tier", item.FromTier, "to_tier", item.ToTier)
		return true, w.svc.Complete(ctx, item.ID)
	}

	if errors.Is(execErr, errPermanent) {
		_, err = w.svc.FailPermanently(ctx, item, execErr.Error())
	} else {
		_, err = w.svc.Fail(ctx, item.ID, execErr.Error())
	}
	return true, err
}

// Execute performs the operation described by item without touching its
// queue state.
func (w *Worker) Execute(ctx context.Context, item *models.SyncQueueItem) error {
	file, err := w.store.Files().Get(ctx, item.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if item.Operation == models.OpDelete {
				return nil
			}
			return fmt.Errorf("%w: file %s not found", errPermanent, item.FileID)
		}
		return fmt.Errorf("load file: %w", err)
	}

	to, err := w.adapter(item.ToTier)
	if err != nil {
		return err
	}

	switch item.Operation {
	case models.OpUpload, models.OpSync:
		if file.Deleted() {
			return fmt.Errorf("%w: file %s is deleted", errPermanent, file.ID)
		}
		from, err := w.adapter(item.FromTier)
		if err != nil {
			return err
		}
		return w.copy(ctx, file, from, to)
	case models.OpDelete:
		return w.delete(ctx, file, to)
	case models.OpVerify:
		if file.Deleted() {
			return fmt.Errorf("%w: file %s is deleted", errPermanent, file.ID)
		}
		return w.verify(ctx, file, to)
	}
	return fmt.Errorf("%w: unknown operation %q", errPermanent, item.Operation)
}

func (w *Worker) adapter(t models.Tier) (tier.Adapter, error) {
	a, err := w.tiers.Get(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPermanent, err)
	}
	return a, nil
}

func (w *Worker) copy(ctx context.Context, file *models.FileRecord, from, to tier.Adapter) error {
	rc, err := from.Open(ctx, file.StorageKey)
	if err != nil {
		return classify(err)
	}
	defer rc.Close()

	_, err = to.Upload(ctx, file.StorageKey, rc, tier.UploadOptions{
		ContentType: file.MimeType,
		Public:      file.Visibility == models.VisibilityPublic,
	})
	if err != nil {
		return classify(err)
	}

	placed := models.FileLocation{FileID: file.ID, Tier: to.Tier(), PlacedAt: w.svc.now()}
	return w.store.WithTx(ctx, func(tx store.Store) error {
		err := tx.Files().AddLocation(ctx, placed)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// Deleted mid-copy. Delete could not see this tier, so the object
		// just written is queued for removal here.
		if _, err := w.svc.WithStore(tx).Enqueue(ctx, file.ID, models.OpDelete, to.Tier(), to.Tier(), models.PriorityCritical); err != nil {
			return err
		}
		w.logger.Warn("file deleted during copy, cleanup queued", "file_id", file.ID, "tier", to.Tier())
		return nil
	})
}

func (w *Worker) delete(ctx context.Context, file *models.FileRecord, to tier.Adapter) error {
	if err := to.Delete(ctx, file.StorageKey); err != nil && !errors.Is(err, tier.ErrNotFound) {
		return classify(err)
	}
	return w.store.Files().RemoveLocation(ctx, file.ID, to.Tier())
}

func (w *Worker) verify(ctx context.Context, file *models.FileRecord, to tier.Adapter) error {
	if !to.Exists(ctx, file.StorageKey) {
		return fmt.Errorf("object %s missing on %s", file.StorageKey, to.Tier())
	}
	info, err := to.Metadata(ctx, file.StorageKey)
	if err != nil {
		return classify(err)
	}
	if file.SizeBytes > 0 && info.Size != file.SizeBytes {
		return fmt.Errorf("size mismatch on %s: have %d, want %d", to.Tier(), info.Size, file.SizeBytes)
	}

	err = w.store.Files().MarkVerified(ctx, file.ID, to.Tier(), w.svc.now())
	if errors.Is(err, store.ErrNotFound) {
		return w.store.Files().AddLocation(ctx, models.FileLocation{
			FileID:     file.ID,
			Tier:       to.Tier(),
			PlacedAt:   w.svc.now(),
			VerifiedAt: ptr(w.svc.now()),
		})
	}
	return err
}

// classify promotes key and capability errors to permanent failures.
func classify(err error) error {
	if errors.Is(err, tier.ErrInvalidKey) || errors.Is(err, tier.ErrUnsupported) {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	return err
}

func ptr[T any](v T) *T { return &v }
