package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/service"
)

type DeliveryHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.AttemptFilter{
		SubscriptionID: q.Get("subscription_id"),
		EventID:        q.Get("event_id"),
		Status:         domain.AttemptStatus(q.Get("status")),
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = limit

	attempts, err := h.svc.ListDeliveryLogs(r.Context(), f)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.svc.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attempt)
}
