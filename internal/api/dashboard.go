package api

import (
	"log/slog"
	"net/http"

	"github.com/purrrlove/webhook-engine/internal/service"
)

type DashboardHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

// Stats returns the dashboard aggregate.
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Health answers 503 while any dependency is down so load balancers stop
// routing to the instance.
func (h *DashboardHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health(r.Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}
