package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/purrrlove/webhook-engine/internal/service"
)

// NewRouter wires the management API. feed serves the websocket delivery
// feed and metrics the prometheus scrape endpoint; either may be nil.
func NewRouter(svc *service.Service, feed http.HandlerFunc, metrics http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	subs := &SubscriptionHandler{svc: svc, logger: logger}
	events := &EventHandler{svc: svc, logger: logger}
	deliveries := &DeliveryHandler{svc: svc, logger: logger}
	dlq := &DeadLetterHandler{svc: svc, logger: logger}
	dash := &DashboardHandler{svc: svc, logger: logger}

	if feed != nil {
		r.Get("/ws", feed)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", dash.Health)
		r.Get("/stats", dash.Stats)
		r.Get("/event-types", events.Types)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subs.Create)
			r.Get("/", subs.List)
			r.Get("/{id}", subs.Get)
			r.Delete("/{id}", subs.Delete)
			r.Post("/{id}/enable", subs.Enable)
			r.Post("/{id}/disable", subs.Disable)
			r.Post("/{id}/test", subs.Test)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", events.Create)
			r.Get("/{id}", events.Get)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveries.List)
			r.Get("/{id}", deliveries.Get)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlq.List)
			r.Post("/{id}/resolve", dlq.Resolve)
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware lets a dashboard served from another origin call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
