package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
)

// MemoryStore is a process-local Store with the same constraints as the
// Postgres schema. Used by tests and by store.driver=memory.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*domain.Subscription
	events        map[string]*domain.Event
	attempts      map[string]*domain.DeliveryAttempt
	deadLetters   map[string]*domain.DeadLetter
	now           func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*domain.Subscription),
		events:        make(map[string]*domain.Event),
		attempts:      make(map[string]*domain.DeliveryAttempt),
		deadLetters:   make(map[string]*domain.DeadLetter),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Close() {}

func copySubscription(s *domain.Subscription) domain.Subscription {
	out := *s
	out.EventTypes = slices.Clone(s.EventTypes)
	out.Headers = maps.Clone(s.Headers)
	return out
}

func copyAttempt(a *domain.DeliveryAttempt) domain.DeliveryAttempt {
	out := *a
	if a.HTTPStatus != nil {
		v := *a.HTTPStatus
		out.HTTPStatus = &v
	}
	return out
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[sub.ID]; ok {
		return fmt.Errorf("inserting subscription: id %s already exists", sub.ID)
	}
	now := m.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	stored := copySubscription(sub)
	m.subscriptions[sub.ID] = &stored
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := copySubscription(sub)
	return &out, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, ownerID string) ([]domain.Subscription, error) {
	return m.filterSubscriptions(func(s *domain.Subscription) bool {
		return ownerID == "" || s.OwnerID == ownerID
	}, true), nil
}

func (m *MemoryStore) FindSubscriptionsByEventType(_ context.Context, eventType string) ([]domain.Subscription, error) {
	return m.filterSubscriptions(func(s *domain.Subscription) bool {
		return s.Subscribes(eventType)
	}, false), nil
}

func (m *MemoryStore) filterSubscriptions(keep func(*domain.Subscription) bool, newestFirst bool) []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Subscription{}
	for _, s := range m.subscriptions {
		if s.Deleted() || !keep(s) {
			continue
		}
		out = append(out, copySubscription(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) UpdateSubscriptionStatus(_ context.Context, id string, status domain.SubscriptionStatus, by domain.DisabledBy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok || sub.Deleted() {
		return domain.ErrNotFound
	}
	sub.Status = status
	sub.DisabledBy = by
	sub.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := m.now()
	if sub.DeletedAt == nil {
		sub.DeletedAt = &now
	}
	sub.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CreateEvent(_ context.Context, event *domain.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return false, nil
	}
	stored := *event
	stored.Payload = slices.Clone(event.Payload)
	m.events[event.ID] = &stored
	return true, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *event
	out.Payload = slices.Clone(event.Payload)
	return &out, nil
}

func (m *MemoryStore) InsertAttempt(_ context.Context, a *domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.attempts {
		if existing.SubscriptionID != a.SubscriptionID || existing.EventID != a.EventID {
			continue
		}
		if existing.AttemptNumber == a.AttemptNumber {
			return domain.ErrDuplicateAttempt
		}
		if existing.Status == domain.AttemptPending && a.Status == domain.AttemptPending {
			return domain.ErrDuplicateAttempt
		}
	}
	stored := copyAttempt(a)
	m.attempts[a.ID] = &stored
	return nil
}

func (m *MemoryStore) CompleteAttempt(_ context.Context, res domain.AttemptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[res.AttemptID]
	if !ok || a.Status != domain.AttemptPending {
		return fmt.Errorf("pending attempt %s: %w", res.AttemptID, domain.ErrNotFound)
	}
	completed := res.CompletedAt
	a.Status = res.Status
	a.HTTPStatus = res.HTTPStatus
	a.ResponseTimeMs = res.ResponseTimeMs
	a.ResponseBody = res.ResponseBody
	a.Error = res.Error
	a.CompletedAt = &completed
	a.NextRetryAt = res.NextRetryAt
	return nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string) (*domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := copyAttempt(a)
	return &out, nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, f domain.AttemptFilter) ([]domain.DeliveryAttempt, error) {
	out := m.filterAttempts(func(a *domain.DeliveryAttempt) bool {
		return (f.SubscriptionID == "" || a.SubscriptionID == f.SubscriptionID) &&
			(f.EventID == "" || a.EventID == f.EventID) &&
			(f.Status == "" || a.Status == f.Status) &&
			(f.Since.IsZero() || !a.SentAt.Before(f.Since))
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].AttemptNumber > out[j].AttemptNumber
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DueRetries(_ context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	out := m.filterAttempts(func(a *domain.DeliveryAttempt) bool {
		return a.Status == domain.AttemptFailed && a.RescheduledAt == nil &&
			a.NextRetryAt != nil && !a.NextRetryAt.After(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) MarkRescheduled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok || a.RescheduledAt != nil {
		return domain.ErrNotFound
	}
	a.RescheduledAt = &at
	return nil
}

func (m *MemoryStore) StalePending(_ context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	out := m.filterAttempts(func(a *domain.DeliveryAttempt) bool {
		return a.Status == domain.AttemptPending && a.SentAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) SubscriptionStats(_ context.Context, subscriptionID string) (domain.DeliveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st domain.DeliveryStats
	for _, a := range m.attempts {
		if a.SubscriptionID != subscriptionID {
			continue
		}
		switch a.Status {
		case domain.AttemptSuccess:
			st.SuccessCount++
		case domain.AttemptFailed, domain.AttemptExhausted:
		default:
			continue
		}
		st.DeliveryCount++
		if st.LastDelivery == nil || a.SentAt.After(*st.LastDelivery) {
			sent := a.SentAt
			st.LastDelivery = &sent
		}
	}
	st.ComputeRate()
	return st, nil
}

func (m *MemoryStore) PurgeAttempts(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, a := range m.attempts {
		if !a.SentAt.Before(before) {
			continue
		}
		if a.Status.Terminal() || (a.Status == domain.AttemptFailed && a.RescheduledAt != nil) {
			delete(m.attempts, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) filterAttempts(keep func(*domain.DeliveryAttempt) bool) []domain.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.DeliveryAttempt{}
	for _, a := range m.attempts {
		if keep(a) {
			out = append(out, copyAttempt(a))
		}
	}
	return out
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func (m *MemoryStore) InsertDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.deadLetters {
		if existing.SubscriptionID == dl.SubscriptionID && existing.EventID == dl.EventID {
			return nil
		}
	}
	dl.CreatedAt = m.now()
	stored := *dl
	m.deadLetters[dl.ID] = &stored
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, subscriptionID string, resolved bool, limit int) ([]domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.DeadLetter{}
	for _, dl := range m.deadLetters {
		if subscriptionID != "" && dl.SubscriptionID != subscriptionID {
			continue
		}
		if (dl.ResolvedAt != nil) != resolved {
			continue
		}
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) GetDeadLetter(_ context.Context, id string) (*domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.deadLetters[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *dl
	return &out, nil
}

func (m *MemoryStore) ResolveDeadLetter(_ context.Context, id, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.deadLetters[id]
	if !ok {
		return domain.ErrNotFound
	}
	if dl.ResolvedAt != nil {
		return domain.ErrAlreadyResolved
	}
	now := m.now()
	dl.ResolvedAt = &now
	dl.ResolvedBy = resolvedBy
	return nil
}

func (m *MemoryStore) GetDeliveryMetrics(_ context.Context) (*DeliveryMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		metrics   DeliveryMetrics
		totalMs   int
		withTimes int
	)
	for _, a := range m.attempts {
		metrics.TotalDeliveries++
		switch a.Status {
		case domain.AttemptSuccess:
			metrics.SuccessCount++
		case domain.AttemptFailed:
			metrics.FailedCount++
		case domain.AttemptExhausted:
			metrics.ExhaustedCount++
		case domain.AttemptSkipped:
			metrics.SkippedCount++
		case domain.AttemptPending:
			metrics.PendingCount++
		}
		if a.ResponseTimeMs > 0 {
			totalMs += a.ResponseTimeMs
			withTimes++
		}
	}
	if withTimes > 0 {
		metrics.AvgResponseMs = float64(totalMs) / float64(withTimes)
	}
	metrics.computeRate()

	for _, dl := range m.deadLetters {
		if dl.ResolvedAt == nil {
			metrics.DeadLetterCount++
		}
	}
	for _, s := range m.subscriptions {
		if s.Active() {
			metrics.ActiveSubscriptions++
		}
	}
	metrics.TotalEvents = len(m.events)
	return &metrics, nil
}
