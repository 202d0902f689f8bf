package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/purrrlove/webhook-engine/internal/signature"
	"github.com/purrrlove/webhook-engine/internal/worker"
)

// receiver is a webhook endpoint with scripted behaviour, used to exercise
// retries, the circuit breaker and signature verification end to end.
type receiver struct {
	secret        string
	flakyFailures int
	slowDelay     time.Duration
	logger        *slog.Logger

	requests   atomic.Int64
	duplicates atomic.Int64
	badSigs    atomic.Int64

	mu    sync.Mutex
	seen  map[string]struct{}
	chain map[string]int
}

func newReceiver(secret string, flakyFailures int, slowDelay time.Duration, logger *slog.Logger) *receiver {
	return &receiver{
		secret:        secret,
		flakyFailures: flakyFailures,
		slowDelay:     slowDelay,
		logger:        logger,
		seen:          make(map[string]struct{}),
		chain:         make(map[string]int),
	}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/success", rc.wrap(func(http.ResponseWriter, *http.Request, string) int {
		return http.StatusOK
	}))
	r.Post("/webhook/fail", rc.wrap(func(http.ResponseWriter, *http.Request, string) int {
		return http.StatusInternalServerError
	}))
	r.Post("/webhook/reject", rc.wrap(func(http.ResponseWriter, *http.Request, string) int {
		return http.StatusNotFound
	}))
	r.Post("/webhook/flaky", rc.wrap(rc.flaky))
	r.Post("/webhook/slow", rc.wrap(func(_ http.ResponseWriter, r *http.Request, _ string) int {
		select {
		case <-time.After(rc.slowDelay):
		case <-r.Context().Done():
		}
		return http.StatusOK
	}))
	r.Get("/stats", rc.stats)
	return r
}

type envelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

// wrap verifies and accounts for a delivery before handing it to respond,
// which picks the status code. eventID is read from the envelope.
func (rc *receiver) wrap(respond func(w http.ResponseWriter, r *http.Request, eventID string) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := rc.requests.Add(1)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		if rc.secret != "" && !signature.Verify(rc.secret, body, r.Header.Get(signature.Header)) {
			rc.badSigs.Add(1)
			rc.logger.Warn("signature mismatch", "request", n, "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		deliveryID := r.Header.Get(worker.HeaderDeliveryID)
		duplicate := rc.markSeen(deliveryID)

		var env envelope
		_ = json.Unmarshal(body, &env)

		status := respond(w, r, env.EventID)
		rc.logger.Info("webhook received",
			"request", n,
			"path", r.URL.Path,
			"status", status,
			"event", r.Header.Get(worker.HeaderEvent),
			"delivery_id", deliveryID,
			"duplicate", duplicate,
		)
		writeJSON(w, status, map[string]any{"status": http.StatusText(status), "duplicate": duplicate})
	}
}

// flaky fails the first flakyFailures calls of each delivery chain.
func (rc *receiver) flaky(_ http.ResponseWriter, r *http.Request, eventID string) int {
	key := r.URL.RawQuery + "|" + eventID
	fail := rc.flakyFailures
	if v, err := strconv.Atoi(r.URL.Query().Get("fail")); err == nil {
		fail = v
	}

	rc.mu.Lock()
	rc.chain[key]++
	calls := rc.chain[key]
	rc.mu.Unlock()

	if calls <= fail {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (rc *receiver) markSeen(deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.seen[deliveryID]; ok {
		rc.duplicates.Add(1)
		return true
	}
	rc.seen[deliveryID] = struct{}{}
	return false
}

type receiverStats struct {
	TotalRequests       int64 `json:"total_requests"`
	DuplicateDeliveries int64 `json:"duplicate_deliveries"`
	InvalidSignatures   int64 `json:"invalid_signatures"`
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, receiverStats{
		TotalRequests:       rc.requests.Load(),
		DuplicateDeliveries: rc.duplicates.Load(),
		InvalidSignatures:   rc.badSigs.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
