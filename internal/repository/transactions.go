package repository

import (
	"context"

	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, user_id, type, direction, amount::text, currency, escrow_id, dispute_id,
	status, idempotency_key, operation_key, description, created_at, completed_at, failed_at`

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var (
		t      models.Transaction
		amount string
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &t.Direction, &amount, &t.Currency, &t.EscrowID, &t.DisputeID,
		&t.Status, &t.IdempotencyKey, &t.OperationKey, &t.Description, &t.CreatedAt, &t.CompletedAt, &t.FailedAt,
	); err != nil {
		return models.Transaction{}, err
	}
	var err error
	if t.Amount, err = parseDecimal(amount); err != nil {
		return models.Transaction{}, err
	}
	return t, nil
}

func scanTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const insertTransaction = `
INSERT INTO transactions (
	id, user_id, type, direction, amount, currency, escrow_id, dispute_id,
	status, idempotency_key, operation_key, description, created_at, completed_at
) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING ` + transactionColumns

func (q *Queries) InsertTransaction(ctx context.Context, arg InsertTransactionParams) (models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, insertTransaction,
		arg.ID, arg.UserID, arg.Type, arg.Direction, arg.Amount.String(), arg.Currency, arg.EscrowID, arg.DisputeID,
		arg.Status, arg.IdempotencyKey, arg.OperationKey, arg.Description, arg.CreatedAt, arg.CompletedAt,
	))
}

func (q *Queries) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

const updateTransactionStatus = `
UPDATE transactions
SET status = $3,
    completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END,
    failed_at = CASE WHEN $3 = 'failed' THEN $4 ELSE failed_at END
WHERE id = $1 AND status = $2
`

func (q *Queries) UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateTransactionStatus, arg.ID, arg.ExpectedStatus, arg.Status, arg.At)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) OperationKeyExists(ctx context.Context, arg OperationKeyExistsParams) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions WHERE operation_key = $1 AND created_at >= $2
		)`, arg.OperationKey, arg.Since).Scan(&exists)
	return exists, err
}

func (q *Queries) HasCompletedDeposit(ctx context.Context, escrowID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE escrow_id = $1 AND type = 'escrow_deposit' AND status = 'completed'
		)`, escrowID).Scan(&exists)
	return exists, err
}

func (q *Queries) ListTransactionsByEscrow(ctx context.Context, escrowID string) ([]models.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE escrow_id = $1
		ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

const listOrphanedDebits = `
SELECT ` + transactionColumns + ` FROM transactions t
WHERE t.direction = 'debit' AND t.status = 'pending' AND t.created_at < $1
  AND NOT EXISTS (
	SELECT 1 FROM pending_operations p
	WHERE p.transaction_id = t.id AND p.status IN ('pending', 'processing')
  )
ORDER BY t.created_at
LIMIT $2
`

func (q *Queries) ListOrphanedDebits(ctx context.Context, arg ListOrphanedDebitsParams) ([]models.Transaction, error) {
	rows, err := q.db.Query(ctx, listOrphanedDebits, arg.Before, arg.Limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (q *Queries) InsertPlatformRevenue(ctx context.Context, arg InsertPlatformRevenueParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO platform_revenue (id, escrow_id, dispute_id, amount, currency, source, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		arg.ID, arg.EscrowID, arg.DisputeID, arg.Amount.String(), arg.Currency, arg.Source, arg.CreatedAt)
	return err
}

func (q *Queries) ListPlatformRevenueByEscrow(ctx context.Context, escrowID string) ([]models.PlatformRevenue, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, escrow_id, dispute_id, amount::text, currency, source, created_at
		FROM platform_revenue WHERE escrow_id = $1
		ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PlatformRevenue
	for rows.Next() {
		var (
			r      models.PlatformRevenue
			amount string
		)
		if err := rows.Scan(&r.ID, &r.EscrowID, &r.DisputeID, &amount, &r.Currency, &r.Source, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
