package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nonprofitsuite/storagecore/internal/cache"
)

type CacheHandler struct {
	layer     *cache.Layer
	warmLimit int
	logger    *slog.Logger
}

func NewCacheHandler(layer *cache.Layer, warmLimit int, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{layer: layer, warmLimit: warmLimit, logger: logger}
}

func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.layer.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "cache stats", stats)
}

func (h *CacheHandler) Warm(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", h.warmLimit)
	if err != nil || limit < 1 {
		fail(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	n, err := h.layer.Warm(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("%d files warmed", n), map[string]int{"warmed": n})
}

func (h *CacheHandler) Clean(w http.ResponseWriter, r *http.Request) {
	n, err := h.layer.CleanExpired(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("%d expired entries removed", n), map[string]int{"removed": n})
}
