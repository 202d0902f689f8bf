package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/purrrlove/webhook-engine/internal/service"
)

type DeadLetterHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resolved := r.URL.Query().Get("resolved") == "true"

	letters, err := h.svc.ListDeadLetters(r.Context(), r.URL.Query().Get("subscription_id"), resolved, limit)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, letters)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	// The body is optional.
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.ResolveDeadLetter(r.Context(), id, req.ResolvedBy); err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}
