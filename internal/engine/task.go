package engine

import (
	"encoding/json"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
)

// DeliveryTask is one queued attempt for a (subscription, event) pair. It
// carries snapshots of both so a worker can deliver without extra reads,
// though workers still re-check the subscription before sending.
type DeliveryTask struct {
	SubscriptionID     string            `json:"subscription_id"`
	URL                string            `json:"url"`
	Secret             string            `json:"secret"`
	Headers            map[string]string `json:"headers,omitempty"`
	RateLimitPerSecond int               `json:"rate_limit_per_second,omitempty"`

	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`

	Attempt int `json:"attempt"`
	// Probe marks the single half-open delivery to a breaker-paused subscription.
	Probe bool `json:"probe,omitempty"`
	// Trace is the W3C trace context of the publishing request.
	Trace map[string]string `json:"trace,omitempty"`
}

func NewTask(sub *domain.Subscription, event *domain.Event, attempt int, probe bool) DeliveryTask {
	return DeliveryTask{
		SubscriptionID:     sub.ID,
		URL:                sub.URL,
		Secret:             sub.Secret,
		Headers:            sub.Headers,
		RateLimitPerSecond: sub.RateLimitPerSecond,
		EventID:            event.ID,
		EventType:          event.Type,
		Payload:            event.Payload,
		OccurredAt:         event.OccurredAt,
		Attempt:            attempt,
		Probe:              probe,
	}
}

// WithSubscription refreshes the subscription snapshot.
func (t DeliveryTask) WithSubscription(sub *domain.Subscription) DeliveryTask {
	t.URL = sub.URL
	t.Secret = sub.Secret
	t.Headers = sub.Headers
	t.RateLimitPerSecond = sub.RateLimitPerSecond
	return t
}
