package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nonprofitsuite/storagecore/internal/discovery"
	"github.com/nonprofitsuite/storagecore/internal/models"
)

type DiscoveryHandler struct {
	pipeline *discovery.Pipeline
	logger   *slog.Logger
}

func NewDiscoveryHandler(p *discovery.Pipeline, logger *slog.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{pipeline: p, logger: logger}
}

func (h *DiscoveryHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := pageParams(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	q := discovery.Query{Page: page, PerPage: perPage}
	params := r.URL.Query()

	if v := params.Get("status"); v != "" {
		st, err := models.ParseDiscoveryStatus(v)
		if err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		q.Status = &st
	}
	if v := params.Get("needs_review"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail(w, http.StatusBadRequest, "needs_review must be true or false")
			return
		}
		q.NeedsReview = &b
	}
	if v := params.Get("band"); v != "" {
		switch band := models.ConfidenceBand(strings.ToLower(v)); band {
		case models.BandHigh, models.BandMedium, models.BandLow:
			q.Band = band
		default:
			fail(w, http.StatusBadRequest, "band must be high, medium or low")
			return
		}
	}

	res, err := h.pipeline.List(r.Context(), q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("%d discovery records found", res.Total), res)
}

func (h *DiscoveryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "discovery stats", stats)
}

func (h *DiscoveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "fileID")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.pipeline.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "discovery record found", view)
}

// Process submits the file for classification. The work itself happens on
// the worker, so the response is 202 with the current record.
func (h *DiscoveryHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "fileID")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.pipeline.Submit(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusAccepted, "discovery scheduled", rec.View(h.pipeline.Thresholds()))
}

func (h *DiscoveryHandler) Accept(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "fileID")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.pipeline.Accept(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "discovery accepted", rec.View(h.pipeline.Thresholds()))
}

func (h *DiscoveryHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "fileID")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.pipeline.Reject(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "discovery rejected", rec.View(h.pipeline.Thresholds()))
}
