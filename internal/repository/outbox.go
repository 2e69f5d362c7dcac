package repository

import (
	"context"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/google/uuid"
)

func (q *Queries) InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		arg.ID, arg.EventType, arg.AggregateID, arg.Payload, arg.CreatedAt)
	return err
}

// ClaimOutboxEvents locks the oldest unpublished events, skipping rows held by another relay.
func (q *Queries) ClaimOutboxEvents(ctx context.Context, limit int32) ([]models.OutboxEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, event_type, aggregate_id, payload, attempts, last_error, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AggregateID, &ev.Payload, &ev.Attempts, &ev.LastError, &ev.CreatedAt, &ev.PublishedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (q *Queries) MarkOutboxEventPublished(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE outbox_events SET published_at = $2, attempts = attempts + 1
		WHERE id = $1 AND published_at IS NULL`, id, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) MarkOutboxEventFailed(ctx context.Context, id uuid.UUID, lastError string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND published_at IS NULL`, id, lastError)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
