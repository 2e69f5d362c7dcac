package repository

import (
	"context"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/models"
)

const disputeColumns = `id, escrow_id, initiator_id, respondent_id, reason, status,
	resolution_kind, resolved_by, resolved_at, created_at`

func scanDispute(row rowScanner) (*models.Dispute, error) {
	var (
		d      models.Dispute
		status string
	)
	if err := row.Scan(
		&d.ID, &d.EscrowID, &d.InitiatorID, &d.RespondentID, &d.Reason, &status,
		&d.ResolutionKind, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt,
	); err != nil {
		return nil, err
	}
	return models.RestoreDispute(d, status)
}

const createDispute = `
INSERT INTO disputes (escrow_id, initiator_id, respondent_id, reason, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`

// CreateDispute inserts d and assigns its generated id.
func (q *Queries) CreateDispute(ctx context.Context, d *models.Dispute) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return q.db.QueryRow(ctx, createDispute,
		d.EscrowID, d.InitiatorID, d.RespondentID, d.Reason, d.Status(), createdAt,
	).Scan(&d.ID)
}

func (q *Queries) GetDispute(ctx context.Context, id int64) (*models.Dispute, error) {
	return scanDispute(q.db.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (q *Queries) GetDisputeForUpdate(ctx context.Context, id int64) (*models.Dispute, error) {
	return scanDispute(q.db.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetOpenDisputeByEscrow(ctx context.Context, escrowID string) (*models.Dispute, error) {
	return scanDispute(q.db.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1 AND status = 'open'`, escrowID))
}

const resolveDispute = `
UPDATE disputes
SET status = 'resolved', resolution_kind = $2, resolved_by = $3, resolved_at = $4
WHERE id = $1 AND status = 'open'
`

func (q *Queries) ResolveDispute(ctx context.Context, arg ResolveDisputeParams) (int64, error) {
	tag, err := q.db.Exec(ctx, resolveDispute, arg.ID, arg.ResolutionKind, arg.ResolvedBy, arg.ResolvedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
