package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/engine"
	"github.com/purrrlove/webhook-engine/internal/registry"
	"github.com/purrrlove/webhook-engine/internal/store"
	"github.com/redis/go-redis/v9"
)

type fakeFeed int

func (f fakeFeed) ClientCount() int { return int(f) }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	breaker  *engine.CircuitBreaker
	recorder *engine.Recorder
	queue    *engine.Queue
}

func newFixture(t *testing.T, checks map[string]Pinger) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	st := store.NewMemory()
	cb := engine.NewCircuitBreaker(client, 2, time.Minute, logger)
	reg := registry.New(st, cb, logger)
	rec := engine.NewRecorder(st, st, cb, reg, logger)
	q := engine.NewQueue(client, logger)
	pub := engine.NewPublisher(st, reg, cb, rec, q, logger)

	svc := New(Deps{
		Store:     st,
		Registry:  reg,
		Publisher: pub,
		Breaker:   cb,
		Feed:      fakeFeed(3),
		Checks:    checks,
	}, logger)
	return &fixture{svc: svc, store: st, breaker: cb, recorder: rec, queue: q}
}

func (f *fixture) create(t *testing.T, owner string) string {
	t.Helper()
	resp, err := f.svc.CreateSubscription(context.Background(), domain.CreateSubscriptionRequest{
		OwnerID:    owner,
		URL:        "https://hooks.example.com/purrr",
		EventTypes: []string{"cat_created"},
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if resp.ID == "" || resp.Secret == "" {
		t.Fatalf("response = %+v, want id and secret", resp)
	}
	return resp.ID
}

// deliver runs a fake attempt for every queued task with the given status.
func (f *fixture) deliver(t *testing.T, status domain.AttemptStatus) {
	t.Helper()
	ctx := context.Background()
	tasks, err := f.queue.Claim(ctx, time.Now().Add(time.Second), 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		a, err := f.recorder.Begin(ctx, task, 10)
		if err != nil {
			t.Fatal(err)
		}
		code := 200
		res := domain.AttemptResult{Status: status, HTTPStatus: &code, ResponseTimeMs: 12, CompletedAt: time.Now()}
		switch status {
		case domain.AttemptExhausted:
			code = 404
		case domain.AttemptFailed:
			code = 500
			next := time.Now().Add(time.Hour)
			res.NextRetryAt = &next
		}
		if err := f.recorder.Complete(ctx, a, res, task.Probe); err != nil {
			t.Fatal(err)
		}
	}
}

func TestService_ListSubscriptionsWithStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "owner-1")
	f.create(t, "owner-2")

	for _, status := range []domain.AttemptStatus{domain.AttemptSuccess, domain.AttemptFailed, domain.AttemptSuccess} {
		if _, err := f.svc.Publish(ctx, PublishRequest{EventType: "cat_created", Payload: json.RawMessage(`{"cat_id":1}`)}); err != nil {
			t.Fatal(err)
		}
		f.deliver(t, status)
	}

	views, err := f.svc.ListSubscriptions(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	v := views[0]
	if v.ID != id || v.Status != "active" {
		t.Errorf("view = %+v", v)
	}
	if v.Secret != "" {
		t.Error("list leaked the secret")
	}
	// Deliveries for owner-1 only count owner-1's attempts.
	if v.DeliveryCount != 3 || v.SuccessRate < 66.6 || v.SuccessRate > 66.7 {
		t.Errorf("delivery_count = %d, success_rate = %v", v.DeliveryCount, v.SuccessRate)
	}
	if v.LastDelivery == nil {
		t.Error("last_delivery not set")
	}
	if v.CircuitBreaker == nil || v.CircuitBreaker.State != engine.StateClosed {
		t.Errorf("circuit breaker = %+v", v.CircuitBreaker)
	}

	all, _ := f.svc.ListSubscriptions(ctx, "")
	if len(all) != 2 {
		t.Errorf("unfiltered list = %d, want 2", len(all))
	}
}

func TestService_BreakerTripShowsAutoDisabled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "owner-1")

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Publish(ctx, PublishRequest{EventType: "cat_created"}); err != nil {
			t.Fatal(err)
		}
		f.deliver(t, domain.AttemptExhausted)
	}

	v, err := f.svc.GetSubscription(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != "disabled (auto)" || v.CircuitBreaker.State != engine.StateOpen {
		t.Fatalf("status = %q, breaker = %+v", v.Status, v.CircuitBreaker)
	}

	if err := f.svc.EnableSubscription(ctx, id); err != nil {
		t.Fatal(err)
	}
	v, _ = f.svc.GetSubscription(ctx, id)
	if v.Status != "active" || v.CircuitBreaker.State != engine.StateClosed || v.CircuitBreaker.Failures != 0 {
		t.Errorf("after enable: status = %q, breaker = %+v", v.Status, v.CircuitBreaker)
	}

	dls, err := f.svc.ListDeadLetters(ctx, id, false, 0)
	if err != nil || len(dls) != 2 {
		t.Fatalf("dead letters = %d, %v", len(dls), err)
	}
	if err := f.svc.ResolveDeadLetter(ctx, dls[0].ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ResolveDeadLetter(ctx, dls[0].ID, ""); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
	resolved, _ := f.svc.ListDeadLetters(ctx, id, true, 0)
	if len(resolved) != 1 || resolved[0].ResolvedBy != "manual" {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestService_TestDelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "owner-1")

	eventID, err := f.svc.TestDelivery(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := f.svc.GetEvent(ctx, eventID)
	if err != nil || ev.Type != domain.TestEventType {
		t.Fatalf("event = %+v, %v", ev, err)
	}

	if err := f.svc.DeleteSubscription(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TestDelivery(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("TestDelivery on deleted: err = %v", err)
	}
	if _, err := f.svc.TestDelivery(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("TestDelivery on missing: err = %v", err)
	}
}

func TestService_ListDeliveryLogs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "owner-1")

	eventID, err := f.svc.Publish(ctx, PublishRequest{ID: "evt-logs", EventType: "cat_created", Payload: json.RawMessage(`{}`)})
	if err != nil || eventID != "evt-logs" {
		t.Fatalf("Publish = %q, %v", eventID, err)
	}
	f.deliver(t, domain.AttemptFailed)

	logs, err := f.svc.ListDeliveryLogs(ctx, domain.AttemptFilter{SubscriptionID: id})
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs = %d, %v", len(logs), err)
	}
	got := logs[0]
	if got.EventType != "cat_created" || got.Status != domain.AttemptFailed || got.PayloadSize != 10 {
		t.Errorf("log = %+v", got)
	}

	one, err := f.svc.GetDelivery(ctx, got.ID)
	if err != nil || one.ID != got.ID {
		t.Errorf("GetDelivery = %+v, %v", one, err)
	}

	none, _ := f.svc.ListDeliveryLogs(ctx, domain.AttemptFilter{SubscriptionID: id, Status: domain.AttemptSuccess})
	if len(none) != 0 {
		t.Errorf("status filter returned %d", len(none))
	}
	if _, err := f.svc.ListDeliveryLogs(ctx, domain.AttemptFilter{Status: "bogus"}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("bogus status err = %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "owner-1")
	if _, err := f.svc.Publish(ctx, PublishRequest{EventType: "cat_created"}); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.QueueDepth != 1 || st.WebSocketClients != 3 || st.ActiveSubscriptions != 1 || st.TotalEvents != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestService_Health(t *testing.T) {
	f := newFixture(t, map[string]Pinger{
		"redis":    pingFunc(func(context.Context) error { return nil }),
		"postgres": pingFunc(func(context.Context) error { return errors.New("connection reset") }),
	})

	h := f.svc.Health(context.Background())
	if h.Status != "degraded" {
		t.Errorf("status = %q, want degraded", h.Status)
	}
	if h.Checks["redis"] != "ok" || h.Checks["postgres"] != "connection reset" {
		t.Errorf("checks = %v", h.Checks)
	}

	healthy := newFixture(t, nil).svc.Health(context.Background())
	if healthy.Status != "healthy" {
		t.Errorf("no checks: status = %q", healthy.Status)
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{-1: 50, 0: 50, 10: 10, 500: 500, 9999: 500} {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
