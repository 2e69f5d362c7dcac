package repository

import (
	"context"

	"github.com/ayo6706/escrow-settlement/internal/models"
)

const depositColumns = `id, escrow_id, reference, amount::text, currency, received_at`

func scanDeposit(row rowScanner) (models.DepositNotification, error) {
	var (
		d      models.DepositNotification
		amount string
	)
	if err := row.Scan(&d.ID, &d.EscrowID, &d.Reference, &amount, &d.Currency, &d.ReceivedAt); err != nil {
		return models.DepositNotification{}, err
	}
	var err error
	if d.Amount, err = parseDecimal(amount); err != nil {
		return models.DepositNotification{}, err
	}
	return d, nil
}

func (q *Queries) InsertDepositNotification(ctx context.Context, arg InsertDepositNotificationParams) (models.DepositNotification, error) {
	return scanDeposit(q.db.QueryRow(ctx, `
		INSERT INTO deposit_notifications (id, escrow_id, reference, amount, currency, received_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		RETURNING `+depositColumns,
		arg.ID, arg.EscrowID, arg.Reference, arg.Amount.String(), arg.Currency, arg.ReceivedAt))
}

func (q *Queries) GetDepositNotificationByReference(ctx context.Context, reference string) (models.DepositNotification, error) {
	return scanDeposit(q.db.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposit_notifications WHERE reference = $1`, reference))
}

func (q *Queries) ListDepositNotificationsByEscrow(ctx context.Context, escrowID string) ([]models.DepositNotification, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+depositColumns+` FROM deposit_notifications
		WHERE escrow_id = $1
		ORDER BY received_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DepositNotification
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
