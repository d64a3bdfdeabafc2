package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coursewire/coursewire/internal/dispatch"
	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/storage"
)

type DeliveryHandler struct {
	store      storage.Storage
	dispatcher *dispatch.Dispatcher
}

func NewDeliveryHandler(store storage.Storage, dp *dispatch.Dispatcher) *DeliveryHandler {
	return &DeliveryHandler{store: store, dispatcher: dp}
}

// getScoped loads a delivery and verifies the caller's organization owns the
// parent webhook.
func (h *DeliveryHandler) getScoped(r *http.Request, orgID string) (*models.Delivery, error) {
	d, err := h.store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if _, err := h.store.GetWebhook(r.Context(), orgID, d.WebhookID); err != nil {
		return nil, err
	}
	return d, nil
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	d, err := h.getScoped(r, org.ID)
	if err != nil {
		writeServiceError(w, err, "failed to get delivery")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListAttempts returns every attempt of the delivery's logical event in
// attempt order.
func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	d, err := h.getScoped(r, org.ID)
	if err != nil {
		writeServiceError(w, err, "failed to get delivery")
		return
	}

	attempts, err := h.store.ListDeliveriesByEvent(r.Context(), d.EventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *DeliveryHandler) ListByWebhook(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	webhookID := chi.URLParam(r, "id")
	if _, err := h.store.GetWebhook(r.Context(), org.ID, webhookID); err != nil {
		writeServiceError(w, err, "failed to get webhook")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := models.DeliveryStatus(r.URL.Query().Get("status"))

	deliveries, err := h.store.ListDeliveriesByWebhook(r.Context(), webhookID, storage.DeliveryFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	next, err := h.dispatcher.RetryDelivery(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, dispatch.ErrRetryPending) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeServiceError(w, err, "failed to retry delivery")
		return
	}
	writeJSON(w, http.StatusAccepted, next)
}
