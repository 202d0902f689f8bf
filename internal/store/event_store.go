package store

import (
	"context"
	"fmt"

	"github.com/purrrlove/webhook-engine/internal/domain"
)

func (s *PostgresStore) CreateEvent(ctx context.Context, event *domain.Event) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.Type, []byte(event.Payload), event.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("inserting event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	var (
		event   domain.Event
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, payload::text, occurred_at
		FROM events WHERE id = $1
	`, id).Scan(&event.ID, &event.Type, &payload, &event.OccurredAt)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	event.Payload = payload
	return &event, nil
}
