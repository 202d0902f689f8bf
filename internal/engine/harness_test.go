package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/registry"
	"github.com/purrrlove/webhook-engine/internal/store"
)

type harness struct {
	store    *store.MemoryStore
	registry *registry.Registry
	breaker  *CircuitBreaker
	recorder *Recorder
	queue    *Queue
	pub      *Publisher
	sched    *Scheduler
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, _ := setupRedis(t)
	logger := testLogger()
	clock := &testClock{t: time.Now().UTC()}

	st := store.NewMemory()
	cb := NewCircuitBreaker(client, 3, 30*time.Second, logger)
	cb.now = clock.Now
	reg := registry.New(st, cb, logger)
	rec := NewRecorder(st, st, cb, reg, logger)
	rec.now = clock.Now
	q := NewQueue(client, logger)
	pub := NewPublisher(st, reg, cb, rec, q, logger)
	pub.now = clock.Now
	sched := NewScheduler(st, q, cb, rec, SchedulerConfig{
		MaxAttempts:     4,
		PollInterval:    10 * time.Millisecond,
		BatchSize:       100,
		StaleAfter:      2 * time.Minute,
		RetentionMaxAge: 24 * time.Hour,
	}, logger)
	sched.now = clock.Now

	return &harness{store: st, registry: reg, breaker: cb, recorder: rec, queue: q, pub: pub, sched: sched, clock: clock}
}

func (h *harness) subscribe(t *testing.T, types ...string) *domain.Subscription {
	t.Helper()
	sub, err := h.registry.Create(context.Background(), domain.CreateSubscriptionRequest{
		OwnerID:    "owner-1",
		URL:        "https://example.com/hook",
		EventTypes: types,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sub
}

// drain claims everything that is ready now.
func (h *harness) drain(t *testing.T) []DeliveryTask {
	t.Helper()
	tasks, err := h.queue.Claim(context.Background(), h.clock.Now().Add(time.Millisecond), 1000)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return tasks
}

// failAttempt records a failed attempt n whose retry is due at retryAt.
func (h *harness) failAttempt(t *testing.T, task DeliveryTask, retryAt time.Time) *domain.DeliveryAttempt {
	t.Helper()
	ctx := context.Background()
	a, err := h.recorder.Begin(ctx, task, len(task.Payload))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	code := 500
	if err := h.recorder.Complete(ctx, a, domain.AttemptResult{
		Status:      domain.AttemptFailed,
		HTTPStatus:  &code,
		CompletedAt: h.clock.Now(),
		NextRetryAt: &retryAt,
	}, task.Probe); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return a
}

func attemptsFor(t *testing.T, st *store.MemoryStore, subID string) []domain.DeliveryAttempt {
	t.Helper()
	out, err := st.ListAttempts(context.Background(), domain.AttemptFilter{SubscriptionID: subID})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func payload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
