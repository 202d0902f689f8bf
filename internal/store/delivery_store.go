package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/purrrlove/webhook-engine/internal/domain"
)

const attemptColumns = `id, subscription_id, event_id, event_type, attempt_number, status, http_status,
	response_time_ms, response_body, error_message, payload_size, sent_at, completed_at,
	next_retry_at, rescheduled_at`

func scanAttempt(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var a domain.DeliveryAttempt
	err := row.Scan(
		&a.ID, &a.SubscriptionID, &a.EventID, &a.EventType, &a.AttemptNumber, &a.Status,
		&a.HTTPStatus, &a.ResponseTimeMs, &a.ResponseBody, &a.Error, &a.PayloadSize,
		&a.SentAt, &a.CompletedAt, &a.NextRetryAt, &a.RescheduledAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) InsertAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (id, subscription_id, event_id, event_type, attempt_number, status,
			error_message, payload_size, sent_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.SubscriptionID, a.EventID, a.EventType, a.AttemptNumber, a.Status,
		a.Error, a.PayloadSize, a.SentAt, a.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateAttempt
		}
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteAttempt(ctx context.Context, res domain.AttemptResult) error {
	if !isUUID(res.AttemptID) {
		return fmt.Errorf("pending attempt %s: %w", res.AttemptID, domain.ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET status = $2, http_status = $3, response_time_ms = $4, response_body = $5,
			error_message = $6, completed_at = $7, next_retry_at = $8
		WHERE id = $1 AND status = 'pending'
	`, res.AttemptID, res.Status, res.HTTPStatus, res.ResponseTimeMs,
		domain.ResponseExcerpt([]byte(res.ResponseBody), 0),
		domain.ResponseExcerpt([]byte(res.Error), 0),
		res.CompletedAt, res.NextRetryAt)
	if err != nil {
		return fmt.Errorf("completing delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending attempt %s: %w", res.AttemptID, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	if !isUUID(id) {
		return nil, domain.ErrNotFound
	}
	a, err := scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying delivery attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, f domain.AttemptFilter) ([]domain.DeliveryAttempt, error) {
	if f.SubscriptionID != "" && !isUUID(f.SubscriptionID) {
		return []domain.DeliveryAttempt{}, nil
	}
	w := &whereBuilder{}
	if f.SubscriptionID != "" {
		w.add("subscription_id = $%d", f.SubscriptionID)
	}
	if f.EventID != "" {
		w.add("event_id = $%d", f.EventID)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		w.add("sent_at >= $%d", f.Since)
	}
	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts` + w.clause() +
		` ORDER BY sent_at DESC, attempt_number DESC`
	query += w.limit(f.Limit)
	return s.queryAttempts(ctx, query, w.args...)
}

func (s *PostgresStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	return s.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE status = 'failed' AND rescheduled_at IS NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`, now, limit)
}

func (s *PostgresStore) MarkRescheduled(ctx context.Context, id string, at time.Time) error {
	if !isUUID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts SET rescheduled_at = $2
		WHERE id = $1 AND rescheduled_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("marking attempt rescheduled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) StalePending(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	return s.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE status = 'pending' AND sent_at < $1
		ORDER BY sent_at
		LIMIT $2
	`, before, limit)
}

func (s *PostgresStore) queryAttempts(ctx context.Context, query string, args ...any) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery attempts: %w", err)
	}
	return attempts, nil
}

// SubscriptionStats counts attempts that reached the receiver or were
// written off; pending and skipped attempts are excluded.
func (s *PostgresStore) SubscriptionStats(ctx context.Context, subscriptionID string) (domain.DeliveryStats, error) {
	var st domain.DeliveryStats
	if !isUUID(subscriptionID) {
		return st, nil
	}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('success', 'failed', 'exhausted')),
			COUNT(*) FILTER (WHERE status = 'success'),
			MAX(sent_at) FILTER (WHERE status IN ('success', 'failed', 'exhausted'))
		FROM delivery_attempts
		WHERE subscription_id = $1
	`, subscriptionID).Scan(&st.DeliveryCount, &st.SuccessCount, &st.LastDelivery)
	if err != nil {
		return st, fmt.Errorf("querying subscription stats: %w", err)
	}
	st.ComputeRate()
	return st, nil
}

func (s *PostgresStore) PurgeAttempts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM delivery_attempts
		WHERE sent_at < $1
		  AND (status IN ('success', 'exhausted', 'skipped')
		       OR (status = 'failed' AND rescheduled_at IS NOT NULL))
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purging delivery attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
