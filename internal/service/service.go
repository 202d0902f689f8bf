// Package service is the management surface over the delivery engine:
// subscription lifecycle, publishing, delivery logs and the dashboard
// aggregate. HTTP handlers and tests use it; the engine does not.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/engine"
	"github.com/purrrlove/webhook-engine/internal/registry"
	"github.com/purrrlove/webhook-engine/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ErrInvalidFilter reports a malformed list query.
var ErrInvalidFilter = errors.New("invalid filter")

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientCounter reports live feed connections.
type ClientCounter interface {
	ClientCount() int
}

type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Publisher *engine.Publisher
	Breaker   *engine.CircuitBreaker
	Feed      ClientCounter
	// Checks are probed by Health, keyed by the name reported.
	Checks map[string]Pinger
}

type Service struct {
	store     store.Store
	registry  *registry.Registry
	publisher *engine.Publisher
	breaker   *engine.CircuitBreaker
	feed      ClientCounter
	checks    map[string]Pinger
	logger    *slog.Logger
}

func New(d Deps, logger *slog.Logger) *Service {
	return &Service{
		store:     d.Store,
		registry:  d.Registry,
		publisher: d.Publisher,
		breaker:   d.Breaker,
		feed:      d.Feed,
		checks:    d.Checks,
		logger:    logger,
	}
}

// SubscriptionView is a subscription as the management UI lists it. The
// secret is only ever returned by CreateSubscription.
type SubscriptionView struct {
	domain.Subscription
	Status         string                      `json:"status"`
	SuccessRate    float64                     `json:"success_rate"`
	DeliveryCount  int                         `json:"delivery_count"`
	LastDelivery   *time.Time                  `json:"last_delivery,omitempty"`
	CircuitBreaker *engine.CircuitBreakerState `json:"circuit_breaker,omitempty"`
}

func (s *Service) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.CreateSubscriptionResponse, error) {
	sub, err := s.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return &domain.CreateSubscriptionResponse{ID: sub.ID, Secret: sub.Secret}, nil
}

// ListSubscriptions returns the owner's subscriptions with their delivery
// statistics. An empty owner lists everything.
func (s *Service) ListSubscriptions(ctx context.Context, ownerID string) ([]SubscriptionView, error) {
	subs, err := s.registry.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	views := make([]SubscriptionView, 0, len(subs))
	for i := range subs {
		v, err := s.view(ctx, &subs[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (s *Service) GetSubscription(ctx context.Context, id string) (*SubscriptionView, error) {
	sub, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, sub)
}

func (s *Service) view(ctx context.Context, sub *domain.Subscription) (*SubscriptionView, error) {
	stats, err := s.store.SubscriptionStats(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("subscription stats for %s: %w", sub.ID, err)
	}

	v := &SubscriptionView{
		Subscription:  *sub,
		Status:        sub.DisplayStatus(),
		SuccessRate:   stats.SuccessRate,
		DeliveryCount: stats.DeliveryCount,
		LastDelivery:  stats.LastDelivery,
	}
	v.Secret = ""

	if s.breaker != nil && !sub.Deleted() {
		cb, err := s.breaker.GetState(ctx, sub.ID)
		if err != nil {
			s.logger.Warn("breaker state unavailable", "subscription_id", sub.ID, "error", err)
		} else {
			v.CircuitBreaker = &cb
		}
	}
	return v, nil
}

func (s *Service) EnableSubscription(ctx context.Context, id string) error {
	return s.registry.Enable(ctx, id)
}

func (s *Service) DisableSubscription(ctx context.Context, id string) error {
	return s.registry.Disable(ctx, id)
}

func (s *Service) DeleteSubscription(ctx context.Context, id string) error {
	return s.registry.Delete(ctx, id)
}

// TestDelivery queues a synthetic webhook_test event for one subscription.
func (s *Service) TestDelivery(ctx context.Context, id string) (string, error) {
	sub, err := s.registry.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sub.Deleted() {
		return "", domain.ErrNotFound
	}
	return s.publisher.TestDelivery(ctx, sub)
}

// PublishRequest is an event handed in over the management API. ID is
// optional and makes the call idempotent.
type PublishRequest struct {
	ID         string          `json:"id,omitempty"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
}

func (s *Service) Publish(ctx context.Context, req PublishRequest) (string, error) {
	return s.publisher.PublishEvent(ctx, domain.Event{
		ID:         req.ID,
		Type:       req.EventType,
		Payload:    req.Payload,
		OccurredAt: req.OccurredAt,
	})
}

func (s *Service) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	return s.store.GetEvent(ctx, id)
}

// ListDeliveryLogs returns attempts newest first. Limit defaults to 50 and
// is capped at 500.
func (s *Service) ListDeliveryLogs(ctx context.Context, f domain.AttemptFilter) ([]domain.DeliveryAttempt, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	f.Limit = clampLimit(f.Limit)
	return s.store.ListAttempts(ctx, f)
}

func (s *Service) GetDelivery(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	return s.store.GetAttempt(ctx, id)
}

func (s *Service) ListDeadLetters(ctx context.Context, subscriptionID string, resolved bool, limit int) ([]domain.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, subscriptionID, resolved, clampLimit(limit))
}

func (s *Service) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	if resolvedBy == "" {
		resolvedBy = "manual"
	}
	if err := s.store.ResolveDeadLetter(ctx, id, resolvedBy); err != nil {
		return err
	}
	s.logger.Info("dead letter resolved", "dead_letter_id", id, "resolved_by", resolvedBy)
	return nil
}

// Stats is the dashboard aggregate.
type Stats struct {
	store.DeliveryMetrics
	QueueDepth       int64 `json:"queue_depth"`
	WebSocketClients int   `json:"websocket_clients"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	m, err := s.store.GetDeliveryMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("delivery metrics: %w", err)
	}
	out := &Stats{DeliveryMetrics: *m}

	if depth, err := s.publisher.QueueDepth(ctx); err != nil {
		s.logger.Warn("queue depth unavailable", "error", err)
	} else {
		out.QueueDepth = depth
	}
	if s.feed != nil {
		out.WebSocketClients = s.feed.ClientCount()
	}
	return out, nil
}

// Health reports "healthy" when every dependency answers, "degraded"
// otherwise, with a per-dependency verdict.
type Health struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// Version is stamped at build time.
var Version = "dev"

func (s *Service) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	h := Health{Status: "healthy", Version: Version, Checks: make(map[string]string, len(s.checks))}
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			h.Status = "degraded"
			h.Checks[name] = err.Error()
			continue
		}
		h.Checks[name] = "ok"
	}
	return h
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}
