package handlers

import (
	"net/http"

	"github.com/nonprofitsuite/storagecore/internal/registry"
)

type StorageHandler struct {
	reg *registry.Registry
}

func NewStorageHandler(reg *registry.Registry) *StorageHandler {
	return &StorageHandler{reg: reg}
}

// Usage reports per-tier usage. A tier that cannot be queried is listed with
// its error rather than failing the whole request.
func (h *StorageHandler) Usage(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "storage usage", h.reg.Usage(r.Context()))
}
