package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/shopspring/decimal"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const escrowColumns = `id, buyer_id, seller_id, amount::text, currency, status,
	buyer_fee_amount::text, seller_fee_amount::text, fee_split_policy,
	seller_accepted_at, payment_deadline, expires_at, auto_release_at, resolved_at,
	created_at, updated_at`

func scanEscrow(row rowScanner) (*models.Escrow, error) {
	var (
		e                           models.Escrow
		amount, buyerFee, sellerFee string
		status                      string
	)
	if err := row.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &amount, &e.Currency, &status,
		&buyerFee, &sellerFee, &e.FeePolicy,
		&e.SellerAcceptedAt, &e.PaymentDeadline, &e.ExpiresAt, &e.AutoReleaseAt, &e.ResolvedAt,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if e.BuyerFee, err = parseDecimal(buyerFee); err != nil {
		return nil, err
	}
	if e.SellerFee, err = parseDecimal(sellerFee); err != nil {
		return nil, err
	}
	return models.RestoreEscrow(e, status)
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", raw, err)
	}
	return d, nil
}

const createEscrow = `
INSERT INTO escrows (
	id, buyer_id, seller_id, amount, currency, status, buyer_fee_amount, seller_fee_amount,
	fee_split_policy, seller_accepted_at, payment_deadline, expires_at, auto_release_at,
	created_at, updated_at
) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14, $14)
`

func (q *Queries) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, createEscrow,
		e.ID, e.BuyerID, e.SellerID, e.Amount.String(), e.Currency, string(e.Status()),
		e.BuyerFee.String(), e.SellerFee.String(), e.FeePolicy,
		e.SellerAcceptedAt, e.PaymentDeadline, e.ExpiresAt, e.AutoReleaseAt, createdAt,
	)
	return err
}

func (q *Queries) GetEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	return scanEscrow(q.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (q *Queries) GetEscrowForUpdate(ctx context.Context, id string) (*models.Escrow, error) {
	return scanEscrow(q.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
}

const updateEscrowStatus = `
UPDATE escrows
SET status = $3, resolved_at = COALESCE($4, resolved_at), updated_at = $5
WHERE id = $1 AND status = $2
`

func (q *Queries) UpdateEscrowStatus(ctx context.Context, arg UpdateEscrowStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateEscrowStatus,
		arg.ID, string(arg.ExpectedStatus), string(arg.Status), arg.ResolvedAt, arg.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListEscrowsAwaitingDeposit(ctx context.Context, limit int32) ([]*models.Escrow, error) {
	return q.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'pending_deposit'
		ORDER BY created_at
		LIMIT $1`, limit)
}

func (q *Queries) ListExpiredEscrows(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error) {
	return q.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows e
		WHERE e.status = 'active' AND e.seller_accepted_at IS NULL AND e.expires_at < $1
		  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.escrow_id = e.id AND d.status = 'open')
		ORDER BY e.expires_at
		LIMIT $2`, arg.Before, arg.Limit)
}

func (q *Queries) ListPaymentTimeouts(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error) {
	return q.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'pending_deposit' AND payment_deadline < $1
		ORDER BY payment_deadline
		LIMIT $2`, arg.Before, arg.Limit)
}

func (q *Queries) ListAutoReleaseDue(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error) {
	return q.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows e
		WHERE e.status = 'active' AND e.seller_accepted_at IS NOT NULL AND e.auto_release_at < $1
		  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.escrow_id = e.id AND d.status = 'open')
		ORDER BY e.auto_release_at
		LIMIT $2`, arg.Before, arg.Limit)
}

func (q *Queries) listEscrows(ctx context.Context, query string, args ...any) ([]*models.Escrow, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
