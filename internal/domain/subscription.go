package domain

import "time"

// SubscriptionStatus is the owner-visible state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionDisabled SubscriptionStatus = "disabled"
)

// DisabledBy records who moved a subscription to disabled.
type DisabledBy string

const (
	DisabledByNone    DisabledBy = ""
	DisabledByOwner   DisabledBy = "owner"
	DisabledByBreaker DisabledBy = "breaker"
)

// WildcardEventType subscribes to every event type in the catalog.
const WildcardEventType = "*"

type Subscription struct {
	ID                 string             `json:"id"`
	OwnerID            string             `json:"owner_id"`
	URL                string             `json:"url"`
	Secret             string             `json:"secret,omitempty"`
	EventTypes         []string           `json:"event_types"`
	Headers            map[string]string  `json:"headers,omitempty"`
	RateLimitPerSecond int                `json:"rate_limit_per_second"`
	Status             SubscriptionStatus `json:"status"`
	DisabledBy         DisabledBy         `json:"disabled_by,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	DeletedAt          *time.Time         `json:"deleted_at,omitempty"`
}

// Subscribes reports whether eventType is in the subscription's event set.
func (s *Subscription) Subscribes(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == eventType || t == WildcardEventType {
			return true
		}
	}
	return false
}

func (s *Subscription) Deleted() bool {
	return s.DeletedAt != nil
}

// Active reports whether new deliveries may be scheduled without a probe.
func (s *Subscription) Active() bool {
	return !s.Deleted() && s.Status == SubscriptionActive
}

// PausedByBreaker reports whether the circuit breaker disabled the subscription.
func (s *Subscription) PausedByBreaker() bool {
	return !s.Deleted() && s.Status == SubscriptionDisabled && s.DisabledBy == DisabledByBreaker
}

// DisplayStatus renders the status the way the management UI shows it.
func (s *Subscription) DisplayStatus() string {
	switch {
	case s.Deleted():
		return "deleted"
	case s.PausedByBreaker():
		return "disabled (auto)"
	default:
		return string(s.Status)
	}
}

type CreateSubscriptionRequest struct {
	OwnerID            string            `json:"owner_id"`
	URL                string            `json:"url"`
	EventTypes         []string          `json:"event_types"`
	Secret             string            `json:"secret,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	RateLimitPerSecond int               `json:"rate_limit_per_second,omitempty"`
}

type CreateSubscriptionResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}
