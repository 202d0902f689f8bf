package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/purrrlove/webhook-engine/internal/domain"
)

const deadLetterColumns = `id, subscription_id, event_id, event_type, total_attempts, last_http_status,
	last_error, created_at, resolved_at, resolved_by`

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := row.Scan(
		&dl.ID, &dl.SubscriptionID, &dl.EventID, &dl.EventType, &dl.TotalAttempts,
		&dl.LastHTTPStatus, &dl.LastError, &dl.CreatedAt, &dl.ResolvedAt, &dl.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// InsertDeadLetter adds an exhausted pair. A pair is dead-lettered once;
// repeats are ignored.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (id, subscription_id, event_id, event_type, total_attempts, last_http_status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscription_id, event_id) DO NOTHING
		RETURNING created_at
	`, dl.ID, dl.SubscriptionID, dl.EventID, dl.EventType, dl.TotalAttempts, dl.LastHTTPStatus, domain.ResponseExcerpt([]byte(dl.LastError), 0),
	).Scan(&dl.CreatedAt)
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, subscriptionID string, resolved bool, limit int) ([]domain.DeadLetter, error) {
	if subscriptionID != "" && !isUUID(subscriptionID) {
		return []domain.DeadLetter{}, nil
	}
	w := &whereBuilder{}
	if subscriptionID != "" {
		w.add("subscription_id = $%d", subscriptionID)
	}
	if resolved {
		w.addRaw("resolved_at IS NOT NULL")
	} else {
		w.addRaw("resolved_at IS NULL")
	}
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters` + w.clause() + ` ORDER BY created_at DESC`
	query += w.limit(limit)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, *dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}
	return letters, nil
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	if !isUUID(id) {
		return nil, domain.ErrNotFound
	}
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return dl, nil
}

func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	if !isUUID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET resolved_at = NOW(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDeadLetter(ctx, id); err != nil {
			return err
		}
		return domain.ErrAlreadyResolved
	}
	return nil
}
