// Package registry owns the subscription lifecycle: registration,
// owner and breaker driven status changes, and event type matching.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/store"
)

const secretBytes = 32

// BreakerResetter clears circuit breaker state for a subscription.
type BreakerResetter interface {
	Reset(ctx context.Context, subscriptionID string) error
}

type Registry struct {
	store   store.SubscriptionStore
	breaker BreakerResetter
	logger  *slog.Logger
}

func New(s store.SubscriptionStore, breaker BreakerResetter, logger *slog.Logger) *Registry {
	return &Registry{store: s, breaker: breaker, logger: logger}
}

// Create validates and stores a new active subscription. A secret is
// generated when the request carries none.
func (r *Registry) Create(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	types, err := normalizeEventTypes(req.EventTypes)
	if err != nil {
		return nil, err
	}
	if req.RateLimitPerSecond < 0 {
		return nil, domain.ErrInvalidRateLimit
	}

	secret := req.Secret
	if secret == "" {
		secret, err = GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
	}

	sub := &domain.Subscription{
		ID:                 uuid.NewString(),
		OwnerID:            req.OwnerID,
		URL:                req.URL,
		Secret:             secret,
		EventTypes:         types,
		Headers:            req.Headers,
		RateLimitPerSecond: req.RateLimitPerSecond,
		Status:             domain.SubscriptionActive,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	r.logger.Info("subscription created",
		"subscription_id", sub.ID,
		"owner_id", sub.OwnerID,
		"event_types", sub.EventTypes,
	)
	return sub, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

// List returns the owner's live subscriptions, newest first. An empty
// owner lists every subscription.
func (r *Registry) List(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	return r.store.ListSubscriptions(ctx, ownerID)
}

// Enable reactivates a subscription and clears its breaker.
func (r *Registry) Enable(ctx context.Context, id string) error {
	sub, err := r.live(ctx, id)
	if err != nil {
		return err
	}
	if err := r.breaker.Reset(ctx, id); err != nil {
		return fmt.Errorf("resetting breaker: %w", err)
	}
	if sub.Status == domain.SubscriptionActive {
		return nil
	}
	if err := r.store.UpdateSubscriptionStatus(ctx, id, domain.SubscriptionActive, domain.DisabledByNone); err != nil {
		return err
	}
	r.logger.Info("subscription enabled", "subscription_id", id, "was_disabled_by", sub.DisabledBy)
	return nil
}

// Disable pauses delivery at the owner's request. It takes precedence over
// a breaker pause, so a later probe success does not re-enable it.
func (r *Registry) Disable(ctx context.Context, id string) error {
	sub, err := r.live(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == domain.SubscriptionDisabled && sub.DisabledBy == domain.DisabledByOwner {
		return nil
	}
	if err := r.store.UpdateSubscriptionStatus(ctx, id, domain.SubscriptionDisabled, domain.DisabledByOwner); err != nil {
		return err
	}
	r.logger.Info("subscription disabled", "subscription_id", id)
	return nil
}

// Delete makes the subscription inert. Attempts already handed to a worker
// finish; nothing new is scheduled. Log rows are kept.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	if err := r.breaker.Reset(ctx, id); err != nil {
		r.logger.Warn("clearing breaker of deleted subscription", "subscription_id", id, "error", err)
	}
	r.logger.Info("subscription deleted", "subscription_id", id)
	return nil
}

// Matches splits the subscriptions for an event type by deliverability.
type Matches struct {
	Active []domain.Subscription
	// Paused were disabled by the circuit breaker and may only receive a probe.
	Paused []domain.Subscription
}

func (r *Registry) Match(ctx context.Context, eventType string) (Matches, error) {
	subs, err := r.store.FindSubscriptionsByEventType(ctx, eventType)
	if err != nil {
		return Matches{}, fmt.Errorf("matching subscriptions: %w", err)
	}
	var m Matches
	for _, s := range subs {
		switch {
		case s.Active():
			m.Active = append(m.Active, s)
		case s.PausedByBreaker():
			m.Paused = append(m.Paused, s)
		}
	}
	return m, nil
}

// MatchingActive returns every active subscription whose event set
// contains eventType.
func (r *Registry) MatchingActive(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	m, err := r.Match(ctx, eventType)
	if err != nil {
		return nil, err
	}
	return m.Active, nil
}

// PauseForBreaker disables an active subscription on behalf of the breaker.
// Owner-disabled and deleted subscriptions are left alone.
func (r *Registry) PauseForBreaker(ctx context.Context, id string) error {
	sub, err := r.live(ctx, id)
	if err != nil {
		return err
	}
	if !sub.Active() {
		return nil
	}
	if err := r.store.UpdateSubscriptionStatus(ctx, id, domain.SubscriptionDisabled, domain.DisabledByBreaker); err != nil {
		return err
	}
	r.logger.Warn("subscription auto-disabled by circuit breaker", "subscription_id", id)
	return nil
}

// ResumeFromBreaker re-activates a subscription the breaker paused.
func (r *Registry) ResumeFromBreaker(ctx context.Context, id string) error {
	sub, err := r.live(ctx, id)
	if err != nil {
		return err
	}
	if !sub.PausedByBreaker() {
		return nil
	}
	if err := r.store.UpdateSubscriptionStatus(ctx, id, domain.SubscriptionActive, domain.DisabledByNone); err != nil {
		return err
	}
	r.logger.Info("subscription re-enabled after probe", "subscription_id", id)
	return nil
}

func (r *Registry) live(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Deleted() {
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

// GenerateSecret returns 32 random bytes, base64 encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return domain.ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	}
	return domain.ErrInvalidURL
}

func normalizeEventTypes(types []string) ([]string, error) {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if t != domain.WildcardEventType && !domain.KnownEventType(t) {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEventType, t)
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, domain.ErrEmptyEventSet
	}
	return out, nil
}
