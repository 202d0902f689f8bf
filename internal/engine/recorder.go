package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/metrics"
	"github.com/purrrlove/webhook-engine/internal/store"
)

// StatusUpdater applies breaker transitions to the subscription registry.
type StatusUpdater interface {
	PauseForBreaker(ctx context.Context, subscriptionID string) error
	ResumeFromBreaker(ctx context.Context, subscriptionID string) error
}

// Recorder writes attempt outcomes to the delivery log and applies their
// side effects: dead-lettering and circuit breaker accounting.
type Recorder struct {
	log         store.DeliveryLog
	deadLetters store.DeadLetterStore
	breaker     *CircuitBreaker
	subs        StatusUpdater
	logger      *slog.Logger
	now         func() time.Time
}

func NewRecorder(log store.DeliveryLog, deadLetters store.DeadLetterStore, breaker *CircuitBreaker, subs StatusUpdater, logger *slog.Logger) *Recorder {
	return &Recorder{
		log:         log,
		deadLetters: deadLetters,
		breaker:     breaker,
		subs:        subs,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Begin inserts the pending row for an attempt about to be sent.
func (r *Recorder) Begin(ctx context.Context, task DeliveryTask, payloadSize int) (*domain.DeliveryAttempt, error) {
	a := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: task.SubscriptionID,
		EventID:        task.EventID,
		EventType:      task.EventType,
		AttemptNumber:  task.Attempt,
		Status:         domain.AttemptPending,
		PayloadSize:    payloadSize,
		SentAt:         r.now(),
	}
	if err := r.log.InsertAttempt(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Complete records the outcome of a pending attempt.
func (r *Recorder) Complete(ctx context.Context, a *domain.DeliveryAttempt, res domain.AttemptResult, probe bool) error {
	res.AttemptID = a.ID
	if err := r.log.CompleteAttempt(ctx, res); err != nil {
		return err
	}
	metrics.RecordDelivery(string(res.Status), time.Duration(res.ResponseTimeMs)*time.Millisecond)

	switch res.Status {
	case domain.AttemptSuccess:
		r.success(ctx, a.SubscriptionID, probe)
	case domain.AttemptExhausted:
		r.deadLetter(ctx, a, res)
		r.failure(ctx, a.SubscriptionID, probe)
	case domain.AttemptFailed:
		if probe {
			r.failure(ctx, a.SubscriptionID, true)
		}
	}
	return nil
}

// Skip records a terminal not-attempted delivery for the pair.
func (r *Recorder) Skip(ctx context.Context, subscriptionID, eventID, eventType string, attempt int, reason string) error {
	now := r.now()
	err := r.log.InsertAttempt(ctx, &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		EventID:        eventID,
		EventType:      eventType,
		AttemptNumber:  attempt,
		Status:         domain.AttemptSkipped,
		Error:          reason,
		SentAt:         now,
		CompletedAt:    &now,
	})
	if errors.Is(err, domain.ErrDuplicateAttempt) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RecordDelivery(string(domain.AttemptSkipped), 0)
	r.logger.Info("delivery skipped",
		"subscription_id", subscriptionID,
		"event_id", eventID,
		"attempt", attempt,
		"reason", reason,
	)
	return nil
}

func (r *Recorder) deadLetter(ctx context.Context, a *domain.DeliveryAttempt, res domain.AttemptResult) {
	err := r.deadLetters.InsertDeadLetter(ctx, &domain.DeadLetter{
		ID:             uuid.NewString(),
		SubscriptionID: a.SubscriptionID,
		EventID:        a.EventID,
		EventType:      a.EventType,
		TotalAttempts:  a.AttemptNumber,
		LastHTTPStatus: res.HTTPStatus,
		LastError:      res.Error,
	})
	if err != nil {
		r.logger.Error("failed to insert dead letter",
			"error", err,
			"subscription_id", a.SubscriptionID,
			"event_id", a.EventID,
		)
		return
	}
	metrics.RecordDLQ()
	r.logger.Warn("delivery exhausted, moved to dead letter queue",
		"subscription_id", a.SubscriptionID,
		"event_id", a.EventID,
		"attempts", a.AttemptNumber,
		"last_error", res.Error,
	)
}

func (r *Recorder) failure(ctx context.Context, subscriptionID string, probe bool) {
	state, tripped, err := r.breaker.RecordFailure(ctx, subscriptionID, probe)
	if err != nil {
		r.logger.Error("circuit breaker failure not recorded", "error", err, "subscription_id", subscriptionID)
		return
	}
	if tripped {
		metrics.RecordBreakerTransition(StateOpen)
	}
	// Failures while the circuit is already open re-apply a pause that
	// did not stick when it tripped. Pausing is a no-op for paused rows.
	if state == StateClosed {
		return
	}
	if err := r.subs.PauseForBreaker(ctx, subscriptionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Error("failed to pause subscription", "error", err, "subscription_id", subscriptionID)
	}
}

func (r *Recorder) success(ctx context.Context, subscriptionID string, probe bool) {
	recovered, err := r.breaker.RecordSuccess(ctx, subscriptionID, probe)
	if err != nil {
		r.logger.Error("circuit breaker success not recorded", "error", err, "subscription_id", subscriptionID)
		return
	}
	if recovered {
		metrics.RecordBreakerTransition(StateClosed)
	}
	// A successful probe resumes the subscription even if breaker state was
	// lost in the meantime.
	if !recovered && !probe {
		return
	}
	if err := r.subs.ResumeFromBreaker(ctx, subscriptionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Error("failed to resume subscription", "error", err, "subscription_id", subscriptionID)
	}
}
