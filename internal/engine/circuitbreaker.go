package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker tracks consecutive failed terminal outcomes per
// subscription in a Redis hash (state, failures, opened_at, probe_at).
//
//   - Closed: failures are counted; a success resets the count.
//   - Open: nothing is delivered until the cool-down elapses.
//   - Half-Open: exactly one probe is granted. A probe held longer than the
//     cool-down is granted again, so a lost probe cannot wedge the circuit.
//
// Every transition runs as a Lua script so concurrent workers agree on it.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState is the breaker as exposed to the management API.
type CircuitBreakerState struct {
	State    string     `json:"state"`
	Failures int        `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Decision is the answer to Allow.
type Decision struct {
	State   string
	Allowed bool
	// Probe is set when the caller holds the half-open probe slot.
	Probe bool
}

var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
    return {'closed', 1, 0}
end

if state == 'open' then
    local opened = tonumber(redis.call('HGET', key, 'opened_at') or '0')
    if now - opened < cooldown then
        return {'open', 0, 0}
    end
    redis.call('HSET', key, 'state', 'half-open', 'probe_at', now)
    return {'half-open', 1, 1}
end

local probe = tonumber(redis.call('HGET', key, 'probe_at') or '0')
if now - probe >= cooldown then
    redis.call('HSET', key, 'probe_at', now)
    return {'half-open', 1, 1}
end
return {'half-open', 0, 0}
`)

// Returns {state, failures, tripped}. tripped is 1 when this call moved the
// circuit to open.
var failureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local probe = ARGV[3] == '1'

local state = redis.call('HGET', key, 'state')
local failures = redis.call('HINCRBY', key, 'failures', 1)

if state == 'half-open' then
    if probe then
        redis.call('HSET', key, 'state', 'open', 'opened_at', now)
        redis.call('HDEL', key, 'probe_at')
        return {'open', failures, 1}
    end
    return {'half-open', failures, 0}
end

if state == 'open' then
    return {'open', failures, 0}
end

if failures >= threshold then
    redis.call('HSET', key, 'state', 'open', 'opened_at', now)
    return {'open', failures, 1}
end
redis.call('HSET', key, 'state', 'closed')
return {'closed', failures, 0}
`)

// Returns 1 when a probe success closed the circuit.
var successScript = redis.NewScript(`
local key = KEYS[1]
local probe = ARGV[1] == '1'

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
    redis.call('HSET', key, 'state', 'closed', 'failures', 0)
    return 0
end
if state == 'half-open' and probe then
    redis.call('DEL', key)
    return 1
end
return 0
`)

func NewCircuitBreaker(redisClient *redis.Client, failureThreshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

func cbKey(subscriptionID string) string {
	return fmt.Sprintf("cb:%s", subscriptionID)
}

// Allow reports whether a delivery to this subscription may proceed. In
// half-open it grants the probe slot to exactly one caller.
func (cb *CircuitBreaker) Allow(ctx context.Context, subscriptionID string) (Decision, error) {
	res, err := allowScript.Run(ctx, cb.redisClient, []string{cbKey(subscriptionID)},
		cb.now().UnixMilli(), cb.cooldownPeriod.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("evaluating circuit breaker: %w", err)
	}

	d := Decision{
		State:   res[0].(string),
		Allowed: res[1].(int64) == 1,
		Probe:   res[2].(int64) == 1,
	}
	if d.Probe {
		cb.logger.Info("circuit breaker half-open, probe granted", "subscription_id", subscriptionID)
	}
	return d, nil
}

// RecordFailure counts a failed terminal outcome, or a failed probe attempt.
// It returns the resulting state and whether this failure opened the circuit.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, subscriptionID string, probe bool) (string, bool, error) {
	res, err := failureScript.Run(ctx, cb.redisClient, []string{cbKey(subscriptionID)},
		cb.now().UnixMilli(), cb.failureThreshold, boolArg(probe),
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("recording circuit breaker failure: %w", err)
	}

	state, _ := res[0].(string)
	tripped := res[2].(int64) == 1
	if tripped {
		cb.logger.Warn("circuit breaker opened",
			"subscription_id", subscriptionID,
			"failures", res[1],
			"threshold", cb.failureThreshold,
			"probe", probe,
		)
	}
	return state, tripped, nil
}

// RecordSuccess resets the failure count. It reports whether a probe
// success closed an open circuit.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, subscriptionID string, probe bool) (bool, error) {
	recovered, err := successScript.Run(ctx, cb.redisClient, []string{cbKey(subscriptionID)},
		boolArg(probe),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("recording circuit breaker success: %w", err)
	}
	if recovered == 1 {
		cb.logger.Info("circuit breaker closed (recovered)", "subscription_id", subscriptionID)
	}
	return recovered == 1, nil
}

// Reset forgets all breaker state for the subscription.
func (cb *CircuitBreaker) Reset(ctx context.Context, subscriptionID string) error {
	if err := cb.redisClient.Del(ctx, cbKey(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("resetting circuit breaker: %w", err)
	}
	return nil
}

// GetState returns the breaker for display. An open circuit past its
// cool-down is reported as half-open.
func (cb *CircuitBreaker) GetState(ctx context.Context, subscriptionID string) (CircuitBreakerState, error) {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(subscriptionID)).Result()
	if err != nil {
		return CircuitBreakerState{}, fmt.Errorf("reading circuit breaker: %w", err)
	}

	st := CircuitBreakerState{State: data["state"]}
	if st.State == "" {
		st.State = StateClosed
	}
	st.Failures, _ = strconv.Atoi(data["failures"])

	if ms, err := strconv.ParseInt(data["opened_at"], 10, 64); err == nil && st.State != StateClosed {
		opened := time.UnixMilli(ms).UTC()
		st.OpenedAt = &opened
		if st.State == StateOpen && cb.now().Sub(opened) >= cb.cooldownPeriod {
			st.State = StateHalfOpen
		}
	}
	return st, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
