package store

import (
	"context"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
)

// SubscriptionStore persists the subscription registry.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	// GetSubscription returns deleted subscriptions too; callers check Deleted().
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context, ownerID string) ([]domain.Subscription, error)
	// FindSubscriptionsByEventType returns every non-deleted subscription whose
	// event set contains eventType or the wildcard, regardless of status.
	FindSubscriptionsByEventType(ctx context.Context, eventType string) ([]domain.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus, by domain.DisabledBy) error
	DeleteSubscription(ctx context.Context, id string) error
}

// EventStore persists published events. Events are write-once.
type EventStore interface {
	// CreateEvent reports created=false when an event with the same id
	// already exists; the stored event is left untouched.
	CreateEvent(ctx context.Context, event *domain.Event) (created bool, err error)
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
}

// DeliveryLog is the durable record of every delivery attempt.
type DeliveryLog interface {
	// InsertAttempt records a pending or skipped attempt. It returns
	// domain.ErrDuplicateAttempt when the pair already has a pending attempt
	// or the attempt number was already used.
	InsertAttempt(ctx context.Context, a *domain.DeliveryAttempt) error
	// CompleteAttempt moves a pending attempt to its outcome. It returns
	// domain.ErrNotFound when no pending attempt has that id.
	CompleteAttempt(ctx context.Context, res domain.AttemptResult) error
	GetAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	ListAttempts(ctx context.Context, f domain.AttemptFilter) ([]domain.DeliveryAttempt, error)
	// DueRetries returns failed attempts whose retry is due and has not
	// been scheduled yet, oldest first.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error)
	MarkRescheduled(ctx context.Context, id string, at time.Time) error
	// StalePending returns pending attempts sent before the given time.
	StalePending(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error)
	SubscriptionStats(ctx context.Context, subscriptionID string) (domain.DeliveryStats, error)
	// PurgeAttempts deletes attempts sent before the given time that no
	// longer drive scheduling: terminal ones and already rescheduled failures.
	PurgeAttempts(ctx context.Context, before time.Time) (int64, error)
}

// DeadLetterStore persists exhausted pairs for operator follow-up.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, subscriptionID string, resolved bool, limit int) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error
}

// MetricsStore serves the dashboard aggregate.
type MetricsStore interface {
	GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error)
}

// Store is everything the engine persists.
type Store interface {
	SubscriptionStore
	EventStore
	DeliveryLog
	DeadLetterStore
	MetricsStore
	Close()
}

// DeliveryMetrics holds aggregated delivery statistics.
type DeliveryMetrics struct {
	TotalDeliveries     int     `json:"total_deliveries"`
	SuccessCount        int     `json:"success_count"`
	FailedCount         int     `json:"failed_count"`
	ExhaustedCount      int     `json:"exhausted_count"`
	SkippedCount        int     `json:"skipped_count"`
	PendingCount        int     `json:"pending_count"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseMs       float64 `json:"avg_response_ms"`
	DeadLetterCount     int     `json:"dead_letter_count"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	TotalEvents         int     `json:"total_events"`
}

func (m *DeliveryMetrics) computeRate() {
	made := m.SuccessCount + m.FailedCount + m.ExhaustedCount
	if made > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(made) * 100
	}
}
