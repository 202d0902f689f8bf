package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const rateWindow = time.Second

// RateLimiter caps deliveries per subscription per second with a Redis
// sliding window: a sorted set of request ids scored by time, trimmed and
// checked atomically in Lua.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	now         func() time.Time
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
end
return 0
`)

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		now:         time.Now,
	}
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("rl:%s", subscriptionID)
}

// Allow reports whether one more delivery fits in the current window. A
// limit of zero or less means unlimited. Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	ok, err := slidingWindowScript.Run(ctx, rl.redisClient, []string{rlKey(subscriptionID)},
		rl.now().UnixMilli(), rateWindow.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", subscriptionID)
		return true
	}

	if ok == 0 {
		rl.logger.Debug("rate limited", "subscription_id", subscriptionID, "limit", limit)
		return false
	}
	return true
}
