package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/purrrlove/webhook-engine/internal/domain"
)

const subscriptionColumns = `id, owner_id, url, secret, event_types, headers, rate_limit_per_second,
	status, disabled_by, created_at, updated_at, deleted_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.URL, &sub.Secret, &sub.EventTypes, &sub.Headers,
		&sub.RateLimitPerSecond, &sub.Status, &sub.DisabledBy,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	headers := sub.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, owner_id, url, secret, event_types, headers, rate_limit_per_second, status, disabled_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, sub.ID, sub.OwnerID, sub.URL, sub.Secret, sub.EventTypes, headers,
		sub.RateLimitPerSecond, sub.Status, sub.DisabledBy,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	if !isUUID(id) {
		return nil, domain.ErrNotFound
	}
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	w := &whereBuilder{}
	w.addRaw("deleted_at IS NULL")
	if ownerID != "" {
		w.add("owner_id = $%d", ownerID)
	}
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions`+w.clause()+` ORDER BY created_at DESC`,
		w.args...)
}

func (s *PostgresStore) FindSubscriptionsByEventType(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE deleted_at IS NULL
		  AND (event_types @> ARRAY[$1]::text[] OR event_types @> ARRAY['*']::text[])
		ORDER BY created_at
	`, eventType)
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus, by domain.DisabledBy) error {
	if !isUUID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $2, disabled_by = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, status, by)
	if err != nil {
		return fmt.Errorf("updating subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteSubscription soft-deletes; attempts keep referencing the row.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	if !isUUID(id) {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET deleted_at = COALESCE(deleted_at, $2), updated_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
