package api

import (
	"encoding/json"
	"net/http"

	"github.com/coursewire/coursewire/internal/dispatch"
	"github.com/coursewire/coursewire/internal/models"
)

type EventHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewEventHandler(dp *dispatch.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: dp}
}

type triggerEventRequest struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

const maxEventSize = 256 * 1024 // 256KB

// Trigger is the entry point business services call when a domain event
// occurs. It returns as soon as the fan-out rows are enqueued; no receiver
// is contacted on this path.
func (h *EventHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	org := OrgFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxEventSize)
	var req triggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	deliveries, err := h.dispatcher.TriggerEvent(r.Context(), org.ID, req.EventType, req.Data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to trigger event")
		return
	}

	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_type": req.EventType,
		"deliveries": ids,
	})
}

// Catalog lists the supported event types grouped by category.
func (h *EventHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.EventCatalog)
}
