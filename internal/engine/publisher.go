package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/metrics"
	"github.com/purrrlove/webhook-engine/internal/registry"
	"github.com/purrrlove/webhook-engine/internal/store"
	"github.com/purrrlove/webhook-engine/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Matcher resolves the subscriptions an event type fans out to.
type Matcher interface {
	Match(ctx context.Context, eventType string) (registry.Matches, error)
}

// Publisher records events and fans them out as delivery tasks. It never
// waits on delivery.
type Publisher struct {
	events   store.EventStore
	matcher  Matcher
	breaker  *CircuitBreaker
	recorder *Recorder
	queue    *Queue
	logger   *slog.Logger
	now      func() time.Time
}

func NewPublisher(events store.EventStore, matcher Matcher, breaker *CircuitBreaker, recorder *Recorder, queue *Queue, logger *slog.Logger) *Publisher {
	return &Publisher{
		events:   events,
		matcher:  matcher,
		breaker:  breaker,
		recorder: recorder,
		queue:    queue,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish records a new event of the given type and returns its id.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload json.RawMessage) (string, error) {
	return p.PublishEvent(ctx, domain.Event{Type: eventType, Payload: payload})
}

// PublishEvent records the event and enqueues one task per matching
// subscription. A caller-supplied id makes the call idempotent: publishing
// an id that already exists returns it without fanning out again.
func (p *Publisher) PublishEvent(ctx context.Context, event domain.Event) (string, error) {
	if event.Type == domain.TestEventType {
		return "", fmt.Errorf("%w: %s", domain.ErrReservedEvent, event.Type)
	}
	if !domain.KnownEventType(event.Type) {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownEventType, event.Type)
	}
	if len(event.Payload) == 0 {
		event.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(event.Payload) {
		return "", domain.ErrInvalidPayload
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}

	ctx, span := tracing.StartSpan(ctx, "webhook.publish",
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	)
	defer span.End()

	created, err := p.events.CreateEvent(ctx, &event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", fmt.Errorf("recording event: %w", err)
	}
	if !created {
		p.logger.Info("duplicate event ignored", "event_id", event.ID)
		return event.ID, nil
	}
	metrics.RecordEventPublished(event.Type)

	queued, err := p.fanOut(ctx, &event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	span.SetAttributes(attribute.Int("deliveries.queued", queued))
	return event.ID, nil
}

func (p *Publisher) fanOut(ctx context.Context, event *domain.Event) (int, error) {
	matches, err := p.matcher.Match(ctx, event.Type)
	if err != nil {
		return 0, err
	}

	trace := tracing.Carrier(ctx)
	tasks := make([]DeliveryTask, 0, len(matches.Active)+len(matches.Paused))
	for i := range matches.Active {
		task := NewTask(&matches.Active[i], event, 1, false)
		task.Trace = trace
		tasks = append(tasks, task)
	}

	for i := range matches.Paused {
		sub := &matches.Paused[i]
		d, err := p.breaker.Allow(ctx, sub.ID)
		if err != nil {
			p.logger.Error("breaker unavailable, skipping paused subscription", "error", err, "subscription_id", sub.ID)
		}
		if err == nil && d.Allowed {
			task := NewTask(sub, event, 1, true)
			task.Trace = trace
			tasks = append(tasks, task)
			continue
		}
		if err := p.recorder.Skip(ctx, sub.ID, event.ID, event.Type, 1, "circuit breaker open"); err != nil {
			p.logger.Error("failed to record skipped delivery", "error", err, "subscription_id", sub.ID, "event_id", event.ID)
		}
	}

	if len(tasks) == 0 {
		p.logger.Info("no deliverable subscriptions", "event_id", event.ID, "event_type", event.Type)
		return 0, nil
	}

	if err := p.queue.Enqueue(ctx, p.now(), tasks...); err != nil {
		return 0, err
	}

	p.logger.Info("fan-out complete",
		"event_id", event.ID,
		"event_type", event.Type,
		"deliveries_queued", len(tasks),
	)
	return len(tasks), nil
}

// TestDelivery sends a synthetic webhook_test event to one subscription
// through the normal pipeline, whatever its event set.
func (p *Publisher) TestDelivery(ctx context.Context, sub *domain.Subscription) (string, error) {
	if !sub.Active() {
		return "", fmt.Errorf("subscription %s is %s: %w", sub.ID, sub.DisplayStatus(), domain.ErrInactive)
	}
	payload, err := json.Marshal(map[string]any{
		"message":         "This is a test webhook delivery",
		"subscription_id": sub.ID,
	})
	if err != nil {
		return "", err
	}

	event := domain.Event{
		ID:         uuid.NewString(),
		Type:       domain.TestEventType,
		Payload:    payload,
		OccurredAt: p.now(),
	}
	if _, err := p.events.CreateEvent(ctx, &event); err != nil {
		return "", fmt.Errorf("recording test event: %w", err)
	}

	task := NewTask(sub, &event, 1, false)
	task.Trace = tracing.Carrier(ctx)
	if err := p.queue.Enqueue(ctx, p.now(), task); err != nil {
		return "", err
	}
	p.logger.Info("test delivery queued", "subscription_id", sub.ID, "event_id", event.ID)
	return event.ID, nil
}

// QueueDepth returns the number of tasks waiting in the delivery queue.
func (p *Publisher) QueueDepth(ctx context.Context) (int64, error) {
	return p.queue.Depth(ctx)
}
