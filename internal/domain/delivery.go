package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// AttemptStatus is the lifecycle state of a single DeliveryAttempt.
//
//	pending -> success | failed | exhausted
//	skipped is written directly and never follows an HTTP call.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
	AttemptExhausted AttemptStatus = "exhausted"
	AttemptSkipped   AttemptStatus = "skipped"
)

// Terminal reports whether no further attempt follows this status.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptSuccess, AttemptExhausted, AttemptSkipped:
		return true
	}
	return false
}

func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptPending, AttemptSuccess, AttemptFailed, AttemptExhausted, AttemptSkipped:
		return true
	}
	return false
}

type DeliveryAttempt struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	EventID        string        `json:"event_id"`
	EventType      string        `json:"event_type"`
	AttemptNumber  int           `json:"attempt_number"`
	Status         AttemptStatus `json:"status"`
	HTTPStatus     *int          `json:"http_status,omitempty"`
	ResponseTimeMs int           `json:"response_time_ms"`
	ResponseBody   string        `json:"response_body,omitempty"`
	Error          string        `json:"error,omitempty"`
	PayloadSize    int           `json:"payload_size"`
	SentAt         time.Time     `json:"sent_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	RescheduledAt  *time.Time    `json:"rescheduled_at,omitempty"`
}

// AttemptResult is what a worker learns about a pending attempt.
type AttemptResult struct {
	AttemptID      string
	Status         AttemptStatus
	HTTPStatus     *int
	ResponseTimeMs int
	ResponseBody   string
	Error          string
	CompletedAt    time.Time
	NextRetryAt    *time.Time
}

// AttemptFilter selects delivery log rows. Zero values match everything.
type AttemptFilter struct {
	SubscriptionID string
	EventID        string
	Status         AttemptStatus
	Since          time.Time
	Limit          int
}

// DeliveryStats summarises a subscription's delivery history.
type DeliveryStats struct {
	DeliveryCount int        `json:"delivery_count"`
	SuccessCount  int        `json:"success_count"`
	SuccessRate   float64    `json:"success_rate"`
	LastDelivery  *time.Time `json:"last_delivery,omitempty"`
}

// ComputeRate fills SuccessRate as a percentage of attempts made.
func (s *DeliveryStats) ComputeRate() {
	if s.DeliveryCount == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = float64(s.SuccessCount) / float64(s.DeliveryCount) * 100
}

type DeadLetter struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	TotalAttempts  int        `json:"total_attempts"`
	LastHTTPStatus *int       `json:"last_http_status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
}

// ResponseExcerpt turns at most max bytes of a receiver's response into
// text a TEXT column accepts: NUL bytes are removed, invalid UTF-8 is
// dropped and the cut never splits a rune.
func ResponseExcerpt(body []byte, max int) string {
	if max > 0 && len(body) > max {
		body = body[:max]
	}
	for len(body) > 0 && !utf8.FullRune(body[lastRuneStart(body):]) {
		body = body[:lastRuneStart(body)]
	}
	s := strings.ToValidUTF8(string(body), "")
	return strings.ReplaceAll(s, "\x00", "")
}

func lastRuneStart(b []byte) int {
	i := len(b) - 1
	for i > 0 && i > len(b)-utf8.UTFMax && !utf8.RuneStart(b[i]) {
		i--
	}
	return i
}
