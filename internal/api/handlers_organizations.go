package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/storage"
)

type OrganizationHandler struct {
	store storage.Storage
}

func NewOrganizationHandler(store storage.Storage) *OrganizationHandler {
	return &OrganizationHandler{store: store}
}

type createOrgRequest struct {
	Name string `json:"name"`
}

func (h *OrganizationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	org := &models.Organization{
		ID:        models.NewID("org"),
		Name:      req.Name,
		APIKey:    models.NewAPIKey(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateOrganization(r.Context(), org); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create organization")
		return
	}

	// The API key is in this response and nowhere else.
	writeJSON(w, http.StatusCreated, org)
}

func (h *OrganizationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	org, err := h.store.GetOrganization(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "failed to get organization")
		return
	}
	org.APIKey = ""
	writeJSON(w, http.StatusOK, org)
}

func (h *OrganizationHandler) List(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.store.ListOrganizations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list organizations")
		return
	}
	for i := range orgs {
		orgs[i].APIKey = ""
	}
	if orgs == nil {
		orgs = []models.Organization{}
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (h *OrganizationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetOrganization(r.Context(), id); err != nil {
		writeServiceError(w, err, "failed to get organization")
		return
	}

	if err := h.store.DeleteOrganization(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete organization")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrganizationHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetOrganization(r.Context(), id); err != nil {
		writeServiceError(w, err, "failed to get organization")
		return
	}

	newKey := models.NewAPIKey()
	if err := h.store.UpdateOrganizationAPIKey(r.Context(), id, newKey); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}
