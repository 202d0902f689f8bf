package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/engine"
	"github.com/purrrlove/webhook-engine/internal/registry"
	"github.com/purrrlove/webhook-engine/internal/store"
	ws "github.com/purrrlove/webhook-engine/internal/websocket"
	"github.com/redis/go-redis/v9"
)

type recordingHub struct {
	mu     sync.Mutex
	events []ws.DeliveryEvent
}

func (h *recordingHub) Broadcast(e ws.DeliveryEvent) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *recordingHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	store     *store.MemoryStore
	registry  *registry.Registry
	breaker   *engine.CircuitBreaker
	queue     *engine.Queue
	publisher *engine.Publisher
	scheduler *engine.Scheduler
	deliverer *Deliverer
	hub       *recordingHub
	logger    *slog.Logger
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	st := store.NewMemory()
	cb := engine.NewCircuitBreaker(client, 3, time.Minute, logger)
	reg := registry.New(st, cb, logger)
	rec := engine.NewRecorder(st, st, cb, reg, logger)
	q := engine.NewQueue(client, logger)
	pub := engine.NewPublisher(st, reg, cb, rec, q, logger)

	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 8
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	sched := engine.NewScheduler(st, q, cb, rec, engine.SchedulerConfig{
		MaxAttempts:  opts.MaxAttempts,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    100,
		StaleAfter:   time.Minute,
	}, logger)

	hub := &recordingHub{}
	backoff := engine.NewBackoff(time.Millisecond, 50*time.Millisecond, 0)
	d := NewDeliverer(st, rec, q, engine.NewRateLimiter(client, logger), backoff, hub, opts, logger)

	return &testEnv{
		store:     st,
		registry:  reg,
		breaker:   cb,
		queue:     q,
		publisher: pub,
		scheduler: sched,
		deliverer: d,
		hub:       hub,
		logger:    logger,
	}
}

func (e *testEnv) subscribe(t *testing.T, req domain.CreateSubscriptionRequest) *domain.Subscription {
	t.Helper()
	if req.OwnerID == "" {
		req.OwnerID = "owner-1"
	}
	if len(req.EventTypes) == 0 {
		req.EventTypes = []string{"cat_created"}
	}
	sub, err := e.registry.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sub
}

func (e *testEnv) publish(t *testing.T, payload string) string {
	t.Helper()
	id, err := e.publisher.Publish(context.Background(), "cat_created", json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return id
}

func (e *testEnv) claim(t *testing.T) []engine.DeliveryTask {
	t.Helper()
	tasks, err := e.queue.Claim(context.Background(), time.Now(), 100)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return tasks
}

// deliverReady delivers every task that is ready now.
func (e *testEnv) deliverReady(t *testing.T) int {
	t.Helper()
	tasks := e.claim(t)
	for _, task := range tasks {
		e.deliverer.Deliver(context.Background(), task)
	}
	return len(tasks)
}

// runUntil alternates delivery and rescheduling until done reports true.
func (e *testEnv) runUntil(t *testing.T, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not settle in time")
		}
		e.deliverReady(t)
		if _, err := e.scheduler.RescheduleDue(context.Background()); err != nil {
			t.Fatalf("RescheduleDue: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// attempts returns the pair's attempts in attempt-number order.
func (e *testEnv) attempts(t *testing.T, subID, eventID string) []domain.DeliveryAttempt {
	t.Helper()
	out, err := e.store.ListAttempts(context.Background(), domain.AttemptFilter{SubscriptionID: subID, EventID: eventID})
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

func (e *testEnv) terminal(t *testing.T, subID, eventID string) func() bool {
	return func() bool {
		as := e.attempts(t, subID, eventID)
		return len(as) > 0 && as[len(as)-1].Status.Terminal()
	}
}

func statuses(as []domain.DeliveryAttempt) []domain.AttemptStatus {
	out := make([]domain.AttemptStatus, len(as))
	for i, a := range as {
		out[i] = a.Status
	}
	return out
}
