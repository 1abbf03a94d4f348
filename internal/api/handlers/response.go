package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nonprofitsuite/storagecore/internal/cache"
	"github.com/nonprofitsuite/storagecore/internal/discovery"
	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/registry"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respond(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func fail(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, envelope{Success: false, Message: "Error: " + reason})
}

// statusFor maps service sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrValidation),
		errors.Is(err, models.ErrInvalidPage),
		errors.Is(err, syncqueue.ErrInvalidItem),
		errors.Is(err, tier.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, tier.ErrNotFound),
		errors.Is(err, cache.ErrNoSource):
		return http.StatusNotFound
	case errors.Is(err, discovery.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrStateChanged):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError reports err to the client. Internal failures are logged and
// replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		fail(w, status, "internal server error")
		return
	}
	fail(w, status, err.Error())
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.New("invalid " + name)
	}
	return id, nil
}

// pageParams reads page and per_page, defaulting to the first page.
func pageParams(r *http.Request) (int, int, error) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		return 0, 0, err
	}
	perPage, err := intParam(r, "per_page", models.DefaultPerPage)
	if err != nil {
		return 0, 0, err
	}
	return page, perPage, nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}
