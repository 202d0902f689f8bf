package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/purrrlove/webhook-engine/internal/engine"
)

// Dispatcher polls the delivery queue and feeds ready tasks to the pool.
type Dispatcher struct {
	queue        *engine.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewDispatcher(queue *engine.Queue, pool *Pool, pollInterval time.Duration, batchSize int64, logger *slog.Logger) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Dispatcher{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started", "poll_interval", d.pollInterval, "batch_size", d.batchSize)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll claims at most as many tasks as the pool can buffer, so claimed
// work never waits long outside the queue.
func (d *Dispatcher) poll(ctx context.Context) {
	limit := min(d.batchSize, int64(d.pool.Free()))
	if limit <= 0 {
		return
	}

	tasks, err := d.queue.Claim(ctx, time.Now(), limit)
	if err != nil {
		d.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	for i, task := range tasks {
		if !d.pool.Submit(ctx, task) {
			d.putBack(tasks[i:])
			return
		}
	}
}

// putBack returns claimed but undispatched tasks to the queue on shutdown.
func (d *Dispatcher) putBack(tasks []engine.DeliveryTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Enqueue(ctx, time.Now(), tasks...); err != nil {
		d.logger.Error("failed to requeue tasks on shutdown", "error", err, "count", len(tasks))
	}
}
