package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/metrics"
	"github.com/purrrlove/webhook-engine/internal/store"
)

// SchedulerConfig controls the retry loop and its housekeeping.
type SchedulerConfig struct {
	MaxAttempts       int
	PollInterval      time.Duration
	BatchSize         int
	StaleAfter        time.Duration
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration
}

// Scheduler turns due failures in the delivery log into queued attempts.
// It reads only durable state, so a restart picks up where it left off.
type Scheduler struct {
	store    store.Store
	queue    *Queue
	breaker  *CircuitBreaker
	recorder *Recorder
	cfg      SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(st store.Store, queue *Queue, breaker *CircuitBreaker, recorder *Recorder, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		queue:    queue,
		breaker:  breaker,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("retry scheduler started",
		"poll_interval", s.cfg.PollInterval,
		"max_attempts", s.cfg.MaxAttempts,
	)

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	staleEvery := s.cfg.StaleAfter / 2
	if staleEvery <= 0 {
		staleEvery = time.Minute
	}
	stale := time.NewTicker(staleEvery)
	defer stale.Stop()

	var retention <-chan time.Time
	if s.cfg.RetentionMaxAge > 0 && s.cfg.RetentionInterval > 0 {
		t := time.NewTicker(s.cfg.RetentionInterval)
		defer t.Stop()
		retention = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return
		case <-poll.C:
			if _, err := s.RescheduleDue(ctx); err != nil {
				s.logger.Error("rescheduling due retries", "error", err)
			}
			s.reportQueueDepth(ctx)
		case <-stale.C:
			if _, err := s.SweepStale(ctx); err != nil {
				s.logger.Error("sweeping stale attempts", "error", err)
			}
		case <-retention:
			if _, err := s.Purge(ctx); err != nil {
				s.logger.Error("purging old attempts", "error", err)
			}
		}
	}
}

// RescheduleDue enqueues attempt n+1 for every failed attempt n whose
// retry time has come. The task is enqueued before the row is stamped;
// a crash in between yields a duplicate task that the attempt-number
// constraint rejects at the worker.
func (s *Scheduler) RescheduleDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.DueRetries(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for i := range due {
		if ctx.Err() != nil {
			return scheduled, ctx.Err()
		}
		ok, err := s.reschedule(ctx, &due[i], now)
		if err != nil {
			s.logger.Error("failed to reschedule attempt",
				"error", err,
				"attempt_id", due[i].ID,
				"subscription_id", due[i].SubscriptionID,
				"event_id", due[i].EventID,
			)
			continue
		}
		if ok {
			scheduled++
		}
	}
	return scheduled, nil
}

func (s *Scheduler) reschedule(ctx context.Context, prev *domain.DeliveryAttempt, now time.Time) (bool, error) {
	next := prev.AttemptNumber + 1

	sub, err := s.store.GetSubscription(ctx, prev.SubscriptionID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, s.skipAndStamp(ctx, prev, next, "subscription not found", now)
	}
	if err != nil {
		return false, err
	}

	probe := false
	switch {
	case sub.Deleted():
		return false, s.skipAndStamp(ctx, prev, next, "subscription deleted", now)
	case sub.PausedByBreaker():
		d, err := s.breaker.Allow(ctx, sub.ID)
		if err != nil {
			return false, err
		}
		if !d.Allowed {
			return false, s.skipAndStamp(ctx, prev, next, "circuit breaker open", now)
		}
		probe = true
	case !sub.Active():
		return false, s.skipAndStamp(ctx, prev, next, "subscription disabled", now)
	}

	event, err := s.store.GetEvent(ctx, prev.EventID)
	if err != nil {
		return false, err
	}

	task := NewTask(sub, event, next, probe)
	if err := s.queue.Enqueue(ctx, now, task); err != nil {
		return false, err
	}
	if err := s.store.MarkRescheduled(ctx, prev.ID, now); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}

	s.logger.Info("retry scheduled",
		"subscription_id", sub.ID,
		"event_id", event.ID,
		"attempt", next,
		"probe", probe,
	)
	return true, nil
}

func (s *Scheduler) skipAndStamp(ctx context.Context, prev *domain.DeliveryAttempt, next int, reason string, now time.Time) error {
	if err := s.recorder.Skip(ctx, prev.SubscriptionID, prev.EventID, prev.EventType, next, reason); err != nil {
		return err
	}
	if err := s.store.MarkRescheduled(ctx, prev.ID, now); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// SweepStale completes pending attempts whose worker never reported back.
// They count as retryable network failures.
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.StalePending(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range stale {
		a := &stale[i]
		res := domain.AttemptResult{
			Status:      domain.AttemptFailed,
			Error:       "no outcome reported before the attempt went stale",
			CompletedAt: now,
			NextRetryAt: &now,
		}
		if a.AttemptNumber >= s.cfg.MaxAttempts {
			res.Status = domain.AttemptExhausted
			res.NextRetryAt = nil
		}
		if err := s.recorder.Complete(ctx, a, res, false); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			s.logger.Error("failed to complete stale attempt", "error", err, "attempt_id", a.ID)
			continue
		}
		s.logger.Warn("stale pending attempt recovered",
			"attempt_id", a.ID,
			"subscription_id", a.SubscriptionID,
			"event_id", a.EventID,
			"status", res.Status,
		)
		swept++
	}
	return swept, nil
}

// Purge applies the retention window to the delivery log.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeAttempts(ctx, s.now().Add(-s.cfg.RetentionMaxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged old delivery attempts", "count", n, "max_age", s.cfg.RetentionMaxAge)
	}
	return n, nil
}

func (s *Scheduler) reportQueueDepth(ctx context.Context) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(depth)
}
