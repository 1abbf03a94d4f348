package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
)

type SyncQueueHandler struct {
	svc     *syncqueue.Service
	timeout time.Duration
	logger  *slog.Logger
}

// NewSyncQueueHandler serves the queue admin routes. timeout is the default
// visibility timeout for manual reaps.
func NewSyncQueueHandler(svc *syncqueue.Service, timeout time.Duration, logger *slog.Logger) *SyncQueueHandler {
	return &SyncQueueHandler{svc: svc, timeout: timeout, logger: logger}
}

func (h *SyncQueueHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := pageParams(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *models.SyncStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := models.ParseSyncStatus(v)
		if err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		status = &st
	}
	res, err := h.svc.List(r.Context(), status, page, perPage)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("%d sync items found", res.Total), res)
}

func (h *SyncQueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "sync queue stats", stats)
}

func (h *SyncQueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "sync item re-enqueued", item)
}

// Reap releases stuck items now. An optional timeout query parameter
// overrides the configured visibility timeout.
func (h *SyncQueueHandler) Reap(w http.ResponseWriter, r *http.Request) {
	timeout := h.timeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			fail(w, http.StatusBadRequest, "timeout must be a non-negative duration")
			return
		}
		timeout = d
	}
	n, err := h.svc.ReapStuck(r.Context(), timeout)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("%d stuck items released", n), map[string]int{"released": n})
}
