package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coursewire/coursewire/internal/dispatch"
	"github.com/coursewire/coursewire/internal/registry"
	"github.com/coursewire/coursewire/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps domain errors onto HTTP statuses. Cross-org access
// is 403, not 404: the record exists, the caller just may not see it.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var verr *registry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, dispatch.ErrRetryPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
