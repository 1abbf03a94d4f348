package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nonprofitsuite/storagecore/internal/discovery"
	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/queue"
	"github.com/nonprofitsuite/storagecore/internal/store"
)

// Processor is the part of the discovery pipeline the worker drives.
type Processor interface {
	Process(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error)
}

type DiscoveryWorker struct {
	pipeline Processor
	logger   *slog.Logger
}

func NewDiscoveryWorker(p Processor, logger *slog.Logger) *DiscoveryWorker {
	return &DiscoveryWorker{pipeline: p, logger: logger.With("component", "discovery_worker")}
}

func (w *DiscoveryWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.DiscoveryProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	fileID, err := uuid.Parse(payload.FileID)
	if err != nil {
		return fmt.Errorf("parse file ID: %v: %w", err, asynq.SkipRetry)
	}

	w.logger.Info("processing discovery", "file_id", fileID)

	rec, err := w.pipeline.Process(ctx, fileID)
	switch {
	case errors.Is(err, discovery.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		// already handled elsewhere or gone; nothing to retry
		w.logger.Info("discovery task skipped", "file_id", fileID, "reason", err)
		return nil
	case err != nil:
		return fmt.Errorf("process discovery for %s: %w", fileID, err)
	}

	w.logger.Info("discovery processed", "file_id", fileID, "status", rec.Status)
	return nil
}
