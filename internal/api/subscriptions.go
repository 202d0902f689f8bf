package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/service"
)

type SubscriptionHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" {
		respondError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	resp, err := h.svc.CreateSubscription(r.Context(), req)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListSubscriptions(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (h *SubscriptionHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.EnableSubscription, "active")
}

func (h *SubscriptionHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.DisableSubscription, "disabled")
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSubscription(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) Test(w http.ResponseWriter, r *http.Request) {
	eventID, err := h.svc.TestDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID})
}

func (h *SubscriptionHandler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string) error, status string) {
	id := chi.URLParam(r, "id")
	if err := apply(r.Context(), id); err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}
