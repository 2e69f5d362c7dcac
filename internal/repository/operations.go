package repository

import (
	"context"

	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const operationColumns = `id, kind, user_id, amount::text, currency, status, transaction_id,
	destination, gateway_ref, created_at, updated_at`

func scanOperation(row rowScanner) (models.PendingOperation, error) {
	var (
		op     models.PendingOperation
		amount string
	)
	if err := row.Scan(
		&op.ID, &op.Kind, &op.UserID, &amount, &op.Currency, &op.Status, &op.TransactionID,
		&op.Destination, &op.GatewayRef, &op.CreatedAt, &op.UpdatedAt,
	); err != nil {
		return models.PendingOperation{}, err
	}
	var err error
	if op.Amount, err = parseDecimal(amount); err != nil {
		return models.PendingOperation{}, err
	}
	return op, nil
}

func scanOperations(rows pgx.Rows) ([]models.PendingOperation, error) {
	defer rows.Close()
	var out []models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

const insertPendingOperation = `
INSERT INTO pending_operations (
	id, kind, user_id, amount, currency, status, transaction_id, destination, created_at, updated_at
) VALUES ($1, $2, $3, $4::numeric, $5, 'pending', $6, $7, $8, $8)
RETURNING ` + operationColumns

func (q *Queries) InsertPendingOperation(ctx context.Context, arg InsertPendingOperationParams) (models.PendingOperation, error) {
	return scanOperation(q.db.QueryRow(ctx, insertPendingOperation,
		arg.ID, arg.Kind, arg.UserID, arg.Amount.String(), arg.Currency, arg.TransactionID, arg.Destination, arg.CreatedAt,
	))
}

func (q *Queries) GetPendingOperation(ctx context.Context, id uuid.UUID) (models.PendingOperation, error) {
	return scanOperation(q.db.QueryRow(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = $1`, id))
}

func (q *Queries) GetPendingOperationForUpdate(ctx context.Context, id uuid.UUID) (models.PendingOperation, error) {
	return scanOperation(q.db.QueryRow(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = $1 FOR UPDATE`, id))
}

// ClaimPendingOperations locks up to Limit pending rows, skipping rows locked by another claimer.
func (q *Queries) ClaimPendingOperations(ctx context.Context, arg ClaimPendingOperationsParams) ([]models.PendingOperation, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+operationColumns+` FROM pending_operations
		WHERE status = 'pending' AND kind = $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, arg.Kind, arg.Limit)
	if err != nil {
		return nil, err
	}
	return scanOperations(rows)
}

const updatePendingOperationStatus = `
UPDATE pending_operations
SET status = $3, gateway_ref = COALESCE($4, gateway_ref), updated_at = $5
WHERE id = $1 AND status = $2
`

func (q *Queries) UpdatePendingOperationStatus(ctx context.Context, arg UpdatePendingOperationStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updatePendingOperationStatus,
		arg.ID, arg.ExpectedStatus, arg.Status, arg.GatewayRef, arg.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListStalePendingOperations(ctx context.Context, arg ListStalePendingOperationsParams) ([]models.PendingOperation, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+operationColumns+` FROM pending_operations
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, arg.Before, arg.Limit)
	if err != nil {
		return nil, err
	}
	return scanOperations(rows)
}
