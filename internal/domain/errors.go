package domain

import "errors"

var (
	ErrInvalidURL       = errors.New("url must be an absolute http(s) url")
	ErrEmptyEventSet    = errors.New("at least one event type is required")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("payload must be valid json")
	ErrInvalidRateLimit = errors.New("rate_limit_per_second must not be negative")
	ErrReservedEvent    = errors.New("event type is reserved")
	ErrNotFound         = errors.New("not found")
	ErrInactive         = errors.New("subscription is not active")
	// ErrDuplicateAttempt means the pair already has a pending attempt or
	// this attempt number was already recorded.
	ErrDuplicateAttempt = errors.New("delivery attempt already recorded")
	ErrAlreadyResolved  = errors.New("dead letter already resolved")
)
