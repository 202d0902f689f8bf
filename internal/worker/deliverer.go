package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/engine"
	"github.com/purrrlove/webhook-engine/internal/metrics"
	"github.com/purrrlove/webhook-engine/internal/signature"
	"github.com/purrrlove/webhook-engine/internal/tracing"
	ws "github.com/purrrlove/webhook-engine/internal/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// Protocol headers sent with every delivery. Subscription headers cannot
// override them.
const (
	HeaderEvent      = "X-Purrr-Event"
	HeaderDeliveryID = "X-Purrr-Delivery-Id"
)

// requeueDelay is how long a rate-limited or unreadable task waits before
// the dispatcher sees it again.
const requeueDelay = time.Second

// DeliveryID is the idempotency key a receiver sees for one attempt.
func DeliveryID(eventID string, attempt int) string {
	return eventID + "-" + strconv.Itoa(attempt)
}

// SubscriptionReader is the registry view a worker needs.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
}

// Broadcaster publishes attempt outcomes to the live feed.
type Broadcaster interface {
	Broadcast(event ws.DeliveryEvent)
}

// Options tune the outbound HTTP call.
type Options struct {
	Timeout          time.Duration
	UserAgent        string
	MaxResponseBytes int64
	MaxAttempts      int
}

// Deliverer performs one attempt for a task: it re-checks the
// subscription, records the pending row, posts the signed body and records
// the classified outcome.
type Deliverer struct {
	httpClient  *http.Client
	subs        SubscriptionReader
	recorder    *engine.Recorder
	queue       *engine.Queue
	rateLimiter *engine.RateLimiter
	backoff     engine.Backoff
	hub         Broadcaster
	opts        Options
	logger      *slog.Logger
}

func NewDeliverer(
	subs SubscriptionReader,
	recorder *engine.Recorder,
	queue *engine.Queue,
	rateLimiter *engine.RateLimiter,
	backoff engine.Backoff,
	hub Broadcaster,
	opts Options,
	logger *slog.Logger,
) *Deliverer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Purrr.love-Webhook/1.0"
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	return &Deliverer{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			// A redirect would turn the POST into a GET; report it as is.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		subs:        subs,
		recorder:    recorder,
		queue:       queue,
		rateLimiter: rateLimiter,
		backoff:     backoff,
		hub:         hub,
		opts:        opts,
		logger:      logger,
	}
}

// envelope is the JSON body receivers get.
type envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Deliver runs one attempt. Every outcome, including "not attempted", ends
// up in the delivery log; nothing is returned to the caller.
func (d *Deliverer) Deliver(ctx context.Context, task engine.DeliveryTask) {
	ctx = tracing.FromCarrier(ctx, task.Trace)
	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		attribute.String("subscription.id", task.SubscriptionID),
		attribute.String("event.id", task.EventID),
		attribute.String("event.type", task.EventType),
		attribute.Int("attempt", task.Attempt),
		attribute.Bool("probe", task.Probe),
	)
	defer span.End()

	task, ok := d.admit(ctx, task)
	if !ok {
		return
	}

	if !d.rateLimiter.Allow(ctx, task.SubscriptionID, task.RateLimitPerSecond) {
		d.requeue(ctx, task)
		return
	}

	body, err := json.Marshal(envelope{
		EventID:    task.EventID,
		EventType:  task.EventType,
		OccurredAt: task.OccurredAt.UTC(),
		Data:       task.Payload,
	})
	if err != nil {
		d.skip(ctx, task, "payload could not be encoded")
		return
	}

	attempt, err := d.recorder.Begin(ctx, task, len(body))
	if errors.Is(err, domain.ErrDuplicateAttempt) {
		d.logger.Debug("attempt already owned, dropping task",
			"subscription_id", task.SubscriptionID,
			"event_id", task.EventID,
			"attempt", task.Attempt,
		)
		return
	}
	if err != nil {
		d.logger.Error("failed to record pending attempt", "error", err, "event_id", task.EventID)
		tracing.SetSpanError(ctx, err)
		d.requeue(ctx, task)
		return
	}

	res, reason := d.send(ctx, task, body)
	if res.HTTPStatus != nil {
		span.SetAttributes(attribute.Int("http.status_code", *res.HTTPStatus))
	}
	if res.Status != domain.AttemptSuccess {
		tracing.SetSpanError(ctx, errors.New(res.Error))
	}

	if err := d.recorder.Complete(ctx, attempt, res, task.Probe); err != nil {
		d.logger.Error("failed to record attempt outcome",
			"error", err,
			"attempt_id", attempt.ID,
			"event_id", task.EventID,
		)
	}
	d.report(ctx, task, res, reason)
}

// admit refreshes the task from the registry and records a skipped
// attempt when the subscription no longer takes deliveries.
func (d *Deliverer) admit(ctx context.Context, task engine.DeliveryTask) (engine.DeliveryTask, bool) {
	sub, err := d.subs.GetSubscription(ctx, task.SubscriptionID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		d.skip(ctx, task, "subscription not found")
		return task, false
	case err != nil:
		d.logger.Error("failed to load subscription", "error", err, "subscription_id", task.SubscriptionID)
		d.requeue(ctx, task)
		return task, false
	case sub.Deleted():
		d.skip(ctx, task, "subscription deleted")
		return task, false
	case sub.PausedByBreaker() && !task.Probe:
		d.skip(ctx, task, "circuit breaker open")
		return task, false
	case !sub.Active() && !sub.PausedByBreaker():
		d.skip(ctx, task, "subscription disabled")
		return task, false
	}
	return task.WithSubscription(sub), true
}

func (d *Deliverer) send(ctx context.Context, task engine.DeliveryTask, body []byte) (domain.AttemptResult, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(body))
	if err != nil {
		return domain.AttemptResult{
			Status:      domain.AttemptExhausted,
			Error:       fmt.Sprintf("building request: %v", err),
			CompletedAt: time.Now().UTC(),
		}, "invalid_request"
	}

	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set(HeaderEvent, task.EventType)
	req.Header.Set(HeaderDeliveryID, DeliveryID(task.EventID, task.Attempt))
	req.Header.Set(signature.Header, signature.HeaderValue(signature.Sign(task.Secret, body)))
	tracing.InjectHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return d.classify(task, 0, "", err, elapsed)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxResponseBytes))
	return d.classify(task, resp.StatusCode, domain.ResponseExcerpt(respBody, int(d.opts.MaxResponseBytes)), nil, elapsed)
}

// classify maps a response or transport error to an attempt outcome:
// 2xx succeeds, 429, 5xx and network errors retry, anything else is final.
func (d *Deliverer) classify(task engine.DeliveryTask, status int, body string, doErr error, elapsed time.Duration) (domain.AttemptResult, string) {
	res := domain.AttemptResult{
		ResponseTimeMs: int(elapsed.Milliseconds()),
		ResponseBody:   body,
		CompletedAt:    time.Now().UTC(),
	}
	if doErr == nil {
		res.HTTPStatus = &status
	}
	reason := classifyReason(doErr, status)

	switch {
	case doErr == nil && status >= 200 && status < 300:
		res.Status = domain.AttemptSuccess
		return res, reason
	case doErr != nil:
		res.Error = doErr.Error()
	default:
		res.Error = fmt.Sprintf("HTTP %d", status)
	}

	if !retryable(doErr, status) || task.Attempt >= d.opts.MaxAttempts {
		res.Status = domain.AttemptExhausted
		return res, reason
	}
	next := res.CompletedAt.Add(d.backoff.Delay(task.Attempt))
	res.Status = domain.AttemptFailed
	res.NextRetryAt = &next
	return res, reason
}

func (d *Deliverer) skip(ctx context.Context, task engine.DeliveryTask, reason string) {
	if err := d.recorder.Skip(ctx, task.SubscriptionID, task.EventID, task.EventType, task.Attempt, reason); err != nil {
		d.logger.Error("failed to record skipped delivery", "error", err, "event_id", task.EventID)
		return
	}
	d.broadcast(ws.DeliveryEvent{
		Type:           ws.EventDeliverySkipped,
		SubscriptionID: task.SubscriptionID,
		EventID:        task.EventID,
		EventType:      task.EventType,
		Attempt:        task.Attempt,
		Error:          reason,
	})
}

func (d *Deliverer) requeue(ctx context.Context, task engine.DeliveryTask) {
	if err := d.queue.Enqueue(ctx, time.Now().Add(requeueDelay), task); err != nil {
		d.logger.Error("failed to requeue task", "error", err, "event_id", task.EventID)
	}
}

func (d *Deliverer) report(ctx context.Context, task engine.DeliveryTask, res domain.AttemptResult, reason string) {
	attrs := []any{
		"subscription_id", task.SubscriptionID,
		"event_id", task.EventID,
		"event_type", task.EventType,
		"attempt", task.Attempt,
		"status", res.Status,
		"response_time_ms", res.ResponseTimeMs,
	}
	if res.HTTPStatus != nil {
		attrs = append(attrs, "status_code", *res.HTTPStatus)
	}
	if id := tracing.TraceID(ctx); id != "" {
		attrs = append(attrs, "trace_id", id)
	}

	evt := ws.DeliveryEvent{
		SubscriptionID: task.SubscriptionID,
		EventID:        task.EventID,
		EventType:      task.EventType,
		URL:            task.URL,
		Attempt:        task.Attempt,
		HTTPStatus:     res.HTTPStatus,
		ResponseMs:     res.ResponseTimeMs,
		Error:          res.Error,
		NextRetryAt:    res.NextRetryAt,
	}

	switch res.Status {
	case domain.AttemptSuccess:
		evt.Type = ws.EventDeliverySuccess
		d.logger.Info("delivery successful", attrs...)
	case domain.AttemptFailed:
		evt.Type = ws.EventDeliveryFailed
		metrics.RecordRetry(reason)
		d.logger.Warn("delivery failed, retry scheduled", append(attrs, "reason", reason, "error", res.Error, "next_retry_at", res.NextRetryAt)...)
	default:
		evt.Type = ws.EventDeliveryExhausted
		d.logger.Warn("delivery exhausted", append(attrs, "reason", reason, "error", res.Error)...)
	}
	d.broadcast(evt)
}

func (d *Deliverer) broadcast(evt ws.DeliveryEvent) {
	if d.hub != nil {
		d.hub.Broadcast(evt)
	}
}
