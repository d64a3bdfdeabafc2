package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coursewire/coursewire/internal/dispatch"
	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/registry"
)

type WebhookHandler struct {
	registry   *registry.Service
	dispatcher *dispatch.Dispatcher
}

func NewWebhookHandler(reg *registry.Service, dp *dispatch.Dispatcher) *WebhookHandler {
	return &WebhookHandler{registry: reg, dispatcher: dp}
}

type createWebhookRequest struct {
	URL            string             `json:"url"`
	Description    string             `json:"description"`
	ContentType    models.ContentType `json:"content_type"`
	AuthType       models.AuthType    `json:"auth_type"`
	AuthHeader     string             `json:"auth_header"`
	AuthValue      string             `json:"auth_value"`
	Events         []string           `json:"events"`
	RetryCount     int                `json:"retry_count"`
	TimeoutSeconds int                `json:"timeout_seconds"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wh, err := h.registry.Create(r.Context(), org.ID, registry.CreateInput{
		URL:            req.URL,
		Description:    req.Description,
		ContentType:    req.ContentType,
		AuthType:       req.AuthType,
		AuthHeader:     req.AuthHeader,
		AuthValue:      req.AuthValue,
		Events:         req.Events,
		RetryCount:     req.RetryCount,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		writeServiceError(w, err, "failed to create webhook")
		return
	}

	// Response includes the signing secret; it is shown exactly once.
	writeJSON(w, http.StatusCreated, wh)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	wh, err := h.registry.Get(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to get webhook")
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	hooks, err := h.registry.List(r.Context(), org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	if hooks == nil {
		hooks = []models.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

type updateWebhookRequest struct {
	URL            *string             `json:"url"`
	Description    *string             `json:"description"`
	ContentType    *models.ContentType `json:"content_type"`
	AuthType       *models.AuthType    `json:"auth_type"`
	AuthHeader     *string             `json:"auth_header"`
	AuthValue      *string             `json:"auth_value"`
	Events         []string            `json:"events"`
	RetryCount     *int                `json:"retry_count"`
	TimeoutSeconds *int                `json:"timeout_seconds"`
	Active         *bool               `json:"active"`
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req updateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wh, err := h.registry.Update(r.Context(), org.ID, chi.URLParam(r, "id"), registry.UpdateInput{
		URL:            req.URL,
		Description:    req.Description,
		ContentType:    req.ContentType,
		AuthType:       req.AuthType,
		AuthHeader:     req.AuthHeader,
		AuthValue:      req.AuthValue,
		Events:         req.Events,
		RetryCount:     req.RetryCount,
		TimeoutSeconds: req.TimeoutSeconds,
		Active:         req.Active,
	})
	if err != nil {
		writeServiceError(w, err, "failed to update webhook")
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.registry.Delete(r.Context(), org.ID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	wh, err := h.registry.Get(r.Context(), org.ID, id)
	if err != nil {
		writeServiceError(w, err, "failed to get webhook")
		return
	}

	newActive := !wh.Active
	if err := h.registry.SetActive(r.Context(), org.ID, id, newActive); err != nil {
		writeServiceError(w, err, "failed to toggle webhook")
		return
	}

	wh.Active = newActive
	writeJSON(w, http.StatusOK, wh)
}

func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	secret, err := h.registry.RotateSecret(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to rotate secret")
		return
	}

	// The new secret appears in this response only.
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := h.dispatcher.TestWebhook(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to test webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     res.OK(),
		"status_code": res.StatusCode,
		"body":        res.Body,
		"duration_ms": res.DurationMs,
		"error":       res.Err,
	})
}
