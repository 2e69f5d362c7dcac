package repository

import (
	"context"

	"github.com/ayo6706/escrow-settlement/internal/models"
)

func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, actor_id, action, prev_state, next_state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		arg.EntityType, arg.EntityID, arg.ActorID, arg.Action, arg.PrevState, arg.NextState, arg.Metadata, arg.CreatedAt)
	return err
}

func (q *Queries) ListAuditLog(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, entity_type, entity_id, actor_id, action, prev_state, next_state, metadata, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var a models.AuditEntry
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.ActorID, &a.Action, &a.PrevState, &a.NextState, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
