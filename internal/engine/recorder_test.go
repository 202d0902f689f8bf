package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
)

func TestRecorder_BeginRejectsSecondPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cat_created")
	task := publishOne(t, h, sub)

	if _, err := h.recorder.Begin(ctx, task, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := h.recorder.Begin(ctx, task, 10); !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("second Begin err = %v, want ErrDuplicateAttempt", err)
	}
}

func TestRecorder_CompleteOnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cat_created")
	task := publishOne(t, h, sub)

	a, err := h.recorder.Begin(ctx, task, 10)
	if err != nil {
		t.Fatal(err)
	}
	res := domain.AttemptResult{Status: domain.AttemptSuccess, CompletedAt: h.clock.Now()}
	if err := h.recorder.Complete(ctx, a, res, false); err != nil {
		t.Fatal(err)
	}
	if err := h.recorder.Complete(ctx, a, res, false); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Complete err = %v, want ErrNotFound", err)
	}
}

func TestRecorder_ExhaustedTripsBreaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cat_created")

	for i := 0; i < 3; i++ {
		id, err := h.pub.Publish(ctx, "cat_created", nil)
		if err != nil {
			t.Fatal(err)
		}
		task := h.drain(t)[0]
		a, err := h.recorder.Begin(ctx, task, 2)
		if err != nil {
			t.Fatal(err)
		}
		code := 404
		if err := h.recorder.Complete(ctx, a, domain.AttemptResult{
			Status:      domain.AttemptExhausted,
			HTTPStatus:  &code,
			Error:       "HTTP 404",
			CompletedAt: h.clock.Now(),
		}, false); err != nil {
			t.Fatal(err)
		}
		if _, err := h.store.GetEvent(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	dls, _ := h.store.ListDeadLetters(ctx, sub.ID, false, 10)
	if len(dls) != 3 {
		t.Fatalf("dead letters = %d, want 3", len(dls))
	}
	if dls[0].LastHTTPStatus == nil || *dls[0].LastHTTPStatus != 404 {
		t.Errorf("dead letter status = %v", dls[0].LastHTTPStatus)
	}

	got, _ := h.registry.Get(ctx, sub.ID)
	if !got.PausedByBreaker() {
		t.Fatalf("status = %s, want disabled (auto)", got.DisplayStatus())
	}
	st, _ := h.breaker.GetState(ctx, sub.ID)
	if st.State != StateOpen || st.Failures != 3 {
		t.Errorf("breaker = %+v", st)
	}
}

// flakyPauser fails the first n PauseForBreaker calls.
type flakyPauser struct {
	StatusUpdater
	n int
}

func (f *flakyPauser) PauseForBreaker(ctx context.Context, id string) error {
	if f.n > 0 {
		f.n--
		return errors.New("connection reset")
	}
	return f.StatusUpdater.PauseForBreaker(ctx, id)
}

func TestRecorder_PauseRetriedWhileOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cat_created")
	h.recorder.subs = &flakyPauser{StatusUpdater: h.registry, n: 1}

	exhaust := func() {
		t.Helper()
		task := publishOne(t, h, sub)
		a, err := h.recorder.Begin(ctx, task, 2)
		if err != nil {
			t.Fatal(err)
		}
		if err := h.recorder.Complete(ctx, a, domain.AttemptResult{
			Status:      domain.AttemptExhausted,
			Error:       "connection refused",
			CompletedAt: h.clock.Now(),
		}, false); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		exhaust()
	}
	if st, _ := h.breaker.GetState(ctx, sub.ID); st.State != StateOpen {
		t.Fatalf("breaker = %+v, want open", st)
	}
	if got, _ := h.registry.Get(ctx, sub.ID); !got.Active() {
		t.Fatalf("status = %s, want still active after the failed pause", got.DisplayStatus())
	}

	exhaust()
	got, _ := h.registry.Get(ctx, sub.ID)
	if !got.PausedByBreaker() {
		t.Errorf("status = %s, want disabled (auto) once a later failure lands", got.DisplayStatus())
	}
}

func TestRecorder_FailedRetryDoesNotCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cat_created")
	task := publishOne(t, h, sub)

	h.failAttempt(t, task, h.clock.Now())

	st, _ := h.breaker.GetState(ctx, sub.ID)
	if st.Failures != 0 {
		t.Errorf("retryable failure counted by breaker: %+v", st)
	}
}

func TestRecorder_ProbeSuccessResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cat_created")
	for i := 0; i < 3; i++ {
		h.recorder.failure(ctx, sub.ID, false)
	}

	h.clock.Advance(31 * time.Second)
	if _, err := h.pub.Publish(ctx, "cat_created", nil); err != nil {
		t.Fatal(err)
	}
	tasks := h.drain(t)
	if len(tasks) != 1 || !tasks[0].Probe {
		t.Fatalf("tasks = %+v, want one probe", tasks)
	}

	a, err := h.recorder.Begin(ctx, tasks[0], 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.recorder.Complete(ctx, a, domain.AttemptResult{Status: domain.AttemptSuccess, CompletedAt: h.clock.Now()}, true); err != nil {
		t.Fatal(err)
	}

	got, _ := h.registry.Get(ctx, sub.ID)
	if !got.Active() {
		t.Errorf("status = %s, want active", got.DisplayStatus())
	}
	st, _ := h.breaker.GetState(ctx, sub.ID)
	if st.State != StateClosed || st.Failures != 0 {
		t.Errorf("breaker = %+v, want closed", st)
	}
}

func TestRecorder_ProbeSuccessKeepsOwnerDisable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "cat_created")
	for i := 0; i < 3; i++ {
		h.recorder.failure(ctx, sub.ID, false)
	}
	h.clock.Advance(31 * time.Second)
	if _, err := h.pub.Publish(ctx, "cat_created", nil); err != nil {
		t.Fatal(err)
	}
	probe := h.drain(t)[0]
	a, err := h.recorder.Begin(ctx, probe, 2)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.registry.Disable(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.recorder.Complete(ctx, a, domain.AttemptResult{Status: domain.AttemptSuccess, CompletedAt: h.clock.Now()}, true); err != nil {
		t.Fatal(err)
	}

	got, _ := h.registry.Get(ctx, sub.ID)
	if got.DisabledBy != domain.DisabledByOwner {
		t.Errorf("probe success overrode owner disable: %+v", got)
	}
}

func TestRecorder_SkipIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.recorder.Skip(ctx, "sub-1", "evt-1", "cat_created", 3, "subscription deleted"); err != nil {
			t.Fatalf("Skip #%d: %v", i+1, err)
		}
	}
	if got := attemptsFor(t, h.store, "sub-1"); len(got) != 1 {
		t.Errorf("attempts = %d, want 1", len(got))
	}
}
