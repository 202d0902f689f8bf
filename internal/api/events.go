package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/service"
)

type EventHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

type createEventResponse struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.PublishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	id, err := h.svc.Publish(r.Context(), req)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, createEventResponse{EventID: id, EventType: req.EventType})
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, event)
}

type eventTypeInfo struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Types lists the publishable event catalog.
func (h *EventHandler) Types(w http.ResponseWriter, r *http.Request) {
	types := domain.EventTypes()
	out := make([]eventTypeInfo, 0, len(types))
	for _, t := range types {
		out = append(out, eventTypeInfo{Type: t, Name: domain.EventCatalog[t]})
	}
	respondJSON(w, http.StatusOK, out)
}
