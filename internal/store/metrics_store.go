package store

import (
	"context"
	"fmt"
)

// GetDeliveryMetrics returns aggregated delivery statistics from the database.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'exhausted'),
			COUNT(*) FILTER (WHERE status = 'skipped'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0)
		FROM delivery_attempts
	`).Scan(&m.TotalDeliveries, &m.SuccessCount, &m.FailedCount, &m.ExhaustedCount,
		&m.SkippedCount, &m.PendingCount, &m.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}
	m.computeRate()

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL
	`).Scan(&m.DeadLetterCount)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter count: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE status = 'active' AND deleted_at IS NULL
	`).Scan(&m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&m.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("querying total events: %w", err)
	}

	return &m, nil
}
