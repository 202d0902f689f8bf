package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DeliveryQueueKey = "delivery_queue"

// Queue is a delayed task queue on a Redis sorted set scored by the time
// a task becomes ready, in microseconds.
type Queue struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

func NewQueue(client *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{client: client, key: DeliveryQueueKey, logger: logger}
}

// Enqueue adds tasks that become ready at the given time in one pipeline.
func (q *Queue) Enqueue(ctx context.Context, at time.Time, tasks ...DeliveryTask) error {
	if len(tasks) == 0 {
		return nil
	}

	pipe := q.client.Pipeline()
	for _, task := range tasks {
		member, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshaling task for %s: %w", task.SubscriptionID, err)
		}
		pipe.ZAdd(ctx, q.key, redis.Z{
			Score:  float64(at.UnixMicro()),
			Member: string(member),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuing deliveries to redis: %w", err)
	}
	return nil
}

// Claim removes and returns up to limit tasks that are ready at now. A
// task is returned to exactly one caller: whoever wins its ZREM.
func (q *Queue) Claim(ctx context.Context, now time.Time, limit int64) ([]DeliveryTask, error) {
	results, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMicro(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	tasks := make([]DeliveryTask, 0, len(results))
	for _, member := range results {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			q.logger.Error("failed to remove task from queue", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		var task DeliveryTask
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			q.logger.Error("dropping malformed task", "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Depth returns the number of queued tasks, ready or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
