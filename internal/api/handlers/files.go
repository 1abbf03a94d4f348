package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/nonprofitsuite/storagecore/internal/cache"
	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/registry"
)

const maxUploadMemory = 32 << 20

type FileHandler struct {
	reg    *registry.Registry
	cache  *cache.Layer
	logger *slog.Logger
}

func NewFileHandler(reg *registry.Registry, layer *cache.Layer, logger *slog.Logger) *FileHandler {
	return &FileHandler{reg: reg, cache: layer, logger: logger}
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := pageParams(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	res, err := h.reg.Search(r.Context(), registry.SearchQuery{
		Category:   q.Get("category"),
		Visibility: q.Get("visibility"),
		Status:     q.Get("status"),
		Text:       q.Get("q"),
		Page:       page,
		PerPage:    perPage,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, fmt.Sprintf("%d files found", res.Total), res)
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		fail(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		fail(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}

	f, err := h.reg.Upload(r.Context(), file, registry.Metadata{
		Filename:    header.Filename,
		MimeType:    mimeType,
		Category:    r.FormValue("category"),
		Subcategory: r.FormValue("subcategory"),
		Visibility:  r.FormValue("visibility"),
		Description: r.FormValue("description"),
		Author:      r.FormValue("author"),
		Status:      r.FormValue("status"),
		Tags:        splitTags(r.FormValue("tags")),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusCreated, "file uploaded", f)
}

func splitTags(v string) []string {
	var tags []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

type fileDetail struct {
	File      *models.FileRecord    `json:"file"`
	Locations []models.FileLocation `json:"locations"`
}

func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := h.reg.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	locs, err := h.reg.Locations(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if locs == nil {
		locs = []models.FileLocation{}
	}
	respond(w, http.StatusOK, "file found", fileDetail{File: f, Locations: locs})
}

func (h *FileHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	var patch models.FilePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f, err := h.reg.Update(r.Context(), id, patch)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "file updated", f)
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.reg.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "file deleted", map[string]any{"file_id": id, "delete_jobs": n})
}

func (h *FileHandler) SetPhysicalCopy(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		HasPhysicalCopy *bool `json:"has_physical_copy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.HasPhysicalCopy == nil {
		fail(w, http.StatusBadRequest, "has_physical_copy is required")
		return
	}
	f, err := h.reg.SetPhysicalCopy(r.Context(), id, *body.HasPhysicalCopy)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, "physical copy flag updated", f)
}

// Content streams the file bytes through the cache layer.
func (h *FileHandler) Content(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	rc, f, loc, err := h.cache.Open(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer rc.Close()

	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Filename}))
	w.Header().Set("X-Served-From", string(loc.Tier))
	if loc.Hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "content stream interrupted", "file_id", id, "error", err)
	}
}
