package repository

import (
	"context"

	"github.com/ayo6706/escrow-settlement/internal/models"
)

func scanWallet(row rowScanner) (models.Wallet, error) {
	var (
		w                   models.Wallet
		available, reserved string
	)
	if err := row.Scan(&w.UserID, &w.Currency, &available, &reserved, &w.UpdatedAt); err != nil {
		return models.Wallet{}, err
	}
	var err error
	if w.Available, err = parseDecimal(available); err != nil {
		return models.Wallet{}, err
	}
	if w.Reserved, err = parseDecimal(reserved); err != nil {
		return models.Wallet{}, err
	}
	return w, nil
}

func (q *Queries) EnsureWallet(ctx context.Context, userID int64, currency string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO wallets (user_id, currency) VALUES ($1, $2)
		ON CONFLICT (user_id, currency) DO NOTHING`, userID, currency)
	return err
}

func (q *Queries) GetWallet(ctx context.Context, userID int64, currency string) (models.Wallet, error) {
	return scanWallet(q.db.QueryRow(ctx, `
		SELECT user_id, currency, available::text, reserved::text, updated_at
		FROM wallets WHERE user_id = $1 AND currency = $2`, userID, currency))
}

func (q *Queries) GetWalletForUpdate(ctx context.Context, userID int64, currency string) (models.Wallet, error) {
	return scanWallet(q.db.QueryRow(ctx, `
		SELECT user_id, currency, available::text, reserved::text, updated_at
		FROM wallets WHERE user_id = $1 AND currency = $2
		FOR UPDATE`, userID, currency))
}

const adjustWallet = `
UPDATE wallets
SET available = available + $3::numeric, reserved = reserved + $4::numeric, updated_at = $5
WHERE user_id = $1 AND currency = $2
  AND available + $3::numeric >= 0
  AND reserved + $4::numeric >= 0
`

func (q *Queries) AdjustWallet(ctx context.Context, arg AdjustWalletParams) (int64, error) {
	tag, err := q.db.Exec(ctx, adjustWallet,
		arg.UserID, arg.Currency, arg.AvailableDelta.String(), arg.ReservedDelta.String(), arg.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listReservedMismatches = `
SELECT w.user_id, w.currency, w.reserved::text, COALESCE(p.total, 0)::text
FROM wallets w
LEFT JOIN (
	SELECT user_id, currency, SUM(amount) AS total
	FROM pending_operations
	WHERE status IN ('pending', 'processing')
	GROUP BY user_id, currency
) p ON p.user_id = w.user_id AND p.currency = w.currency
WHERE w.reserved <> COALESCE(p.total, 0)
ORDER BY w.user_id, w.currency
`

func (q *Queries) ListReservedMismatches(ctx context.Context) ([]models.ReservedMismatch, error) {
	rows, err := q.db.Query(ctx, listReservedMismatches)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReservedMismatch
	for rows.Next() {
		var (
			m                 models.ReservedMismatch
			reserved, pending string
		)
		if err := rows.Scan(&m.UserID, &m.Currency, &reserved, &pending); err != nil {
			return nil, err
		}
		if m.Reserved, err = parseDecimal(reserved); err != nil {
			return nil, err
		}
		if m.Pending, err = parseDecimal(pending); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
