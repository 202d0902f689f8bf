package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/purrrlove/webhook-engine/internal/engine"
)

// Pool runs a fixed number of goroutines that deliver tasks.
type Pool struct {
	numWorkers int
	tasks      chan engine.DeliveryTask
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan engine.DeliveryTask, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches the workers. Cancelling ctx does not abort deliveries
// already handed to the pool; Stop drains them.
func (p *Pool) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands a task to the pool, blocking while every slot is busy.
// It returns false if ctx ends first.
func (p *Pool) Submit(ctx context.Context, task engine.DeliveryTask) bool {
	select {
	case p.tasks <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// Free reports how many more tasks fit in the buffer.
func (p *Pool) Free() int {
	return cap(p.tasks) - len(p.tasks)
}

// Stop closes the task channel and waits for in-flight deliveries.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.deliverer.Deliver(ctx, task)
	}
}
