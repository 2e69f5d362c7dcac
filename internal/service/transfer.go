package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer is one wallet movement applied inside the caller's transaction.
type Transfer struct {
	UserID      int64
	Amount      decimal.Decimal
	Currency    string
	EscrowID    string
	DisputeID   *int64
	Type        string
	Description string
	// OperationKey groups the legs of one logical operation; Leg tells them apart.
	OperationKey string
	Leg          string
	At           time.Time
}

func (t Transfer) idempotencyKey() string {
	return t.OperationKey + ":" + t.Leg
}

// CreditWallet adds t.Amount to the user's available balance and appends a completed
// credit record. Both writes share qtx, so they commit or roll back together with
// the caller's escrow update.
func CreditWallet(ctx context.Context, qtx repository.Querier, t Transfer) (models.Transaction, error) {
	return moveFunds(ctx, qtx, t, movement{
		direction: domain.DirectionCredit,
		status:    domain.TxStatusCompleted,
		available: 1,
	})
}

// ReserveFunds moves t.Amount from available to reserved and appends a pending debit
// record for the operation that will consume the reservation.
func ReserveFunds(ctx context.Context, qtx repository.Querier, t Transfer) (models.Transaction, error) {
	return moveFunds(ctx, qtx, t, movement{
		direction: domain.DirectionDebit,
		status:    domain.TxStatusPending,
		available: -1,
		reserved:  1,
	})
}

// SettleReservation removes reserved funds from the wallet once the operation holding
// them has completed externally.
func SettleReservation(ctx context.Context, qtx repository.Querier, userID int64, currency string, amount decimal.Decimal, at time.Time) error {
	return adjustLocked(ctx, qtx, "settle reservation", userID, currency, decimal.Zero, amount.Neg(), at)
}

// ReleaseReservation returns reserved funds to the available balance.
func ReleaseReservation(ctx context.Context, qtx repository.Querier, userID int64, currency string, amount decimal.Decimal, at time.Time) error {
	return adjustLocked(ctx, qtx, "release reservation", userID, currency, amount, amount.Neg(), at)
}

// ApplyOrderedCredits credits every positive leg in ascending user id order so two
// transactions touching the same wallets always lock them in the same order.
func ApplyOrderedCredits(ctx context.Context, qtx repository.Querier, transfers []Transfer) ([]models.Transaction, error) {
	ordered := make([]Transfer, 0, len(transfers))
	for _, t := range transfers {
		if t.Amount.IsPositive() {
			ordered = append(ordered, t)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].UserID < ordered[j].UserID })

	records := make([]models.Transaction, 0, len(ordered))
	for _, t := range ordered {
		rec, err := CreditWallet(ctx, qtx, t)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

type movement struct {
	direction string
	status    string
	available int
	reserved  int
}

func moveFunds(ctx context.Context, qtx repository.Querier, t Transfer, m movement) (models.Transaction, error) {
	op := m.direction + " wallet"
	currency := domain.NormalizeCurrency(t.Currency)
	amount := domain.RoundToMinor(t.Amount, currency)
	if !amount.IsPositive() {
		return models.Transaction{}, newError(KindInvalidInput, op, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, t.Amount))
	}
	if t.OperationKey == "" || t.Leg == "" {
		return models.Transaction{}, newError(KindInvalidInput, op, errors.New("operation key and leg are required"))
	}

	if err := qtx.EnsureWallet(ctx, t.UserID, currency); err != nil {
		return models.Transaction{}, transferError(op, fmt.Errorf("ensure wallet %d/%s: %w", t.UserID, currency, err))
	}
	availableDelta := amount.Mul(decimal.NewFromInt(int64(m.available)))
	reservedDelta := amount.Mul(decimal.NewFromInt(int64(m.reserved)))
	if err := adjustLocked(ctx, qtx, op, t.UserID, currency, availableDelta, reservedDelta, t.At); err != nil {
		return models.Transaction{}, err
	}

	var escrowID *string
	if t.EscrowID != "" {
		id := t.EscrowID
		escrowID = &id
	}
	var completedAt *time.Time
	if m.status == domain.TxStatusCompleted {
		at := t.At
		completedAt = &at
	}
	rec, err := qtx.InsertTransaction(ctx, repository.InsertTransactionParams{
		ID:             uuid.New(),
		UserID:         t.UserID,
		Type:           t.Type,
		Direction:      m.direction,
		Amount:         amount,
		Currency:       currency,
		EscrowID:       escrowID,
		DisputeID:      t.DisputeID,
		Status:         m.status,
		IdempotencyKey: t.idempotencyKey(),
		OperationKey:   t.OperationKey,
		Description:    t.Description,
		CreatedAt:      t.At,
		CompletedAt:    completedAt,
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return models.Transaction{}, newError(KindInvalidState, op, fmt.Errorf("%w: %s", ErrDuplicateOperation, t.idempotencyKey()))
		}
		return models.Transaction{}, transferError(op, fmt.Errorf("insert transaction: %w", err))
	}
	return rec, nil
}

// adjustLocked locks the wallet row and applies the deltas. A delta that would drive
// either balance negative fails as insufficient funds.
func adjustLocked(ctx context.Context, qtx repository.Querier, op string, userID int64, currency string, available, reserved decimal.Decimal, at time.Time) error {
	if _, err := qtx.GetWalletForUpdate(ctx, userID, currency); err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return newError(KindTransferFailure, op, fmt.Errorf("wallet %d/%s: %w", userID, currency, ErrWalletNotFound))
		}
		return transferError(op, fmt.Errorf("lock wallet %d/%s: %w", userID, currency, err))
	}
	rows, err := qtx.AdjustWallet(ctx, repository.AdjustWalletParams{
		UserID:         userID,
		Currency:       currency,
		AvailableDelta: available,
		ReservedDelta:  reserved,
		UpdatedAt:      at,
	})
	if err != nil {
		return transferError(op, fmt.Errorf("adjust wallet %d/%s: %w", userID, currency, err))
	}
	if rows != 1 {
		return newError(KindTransferFailure, op, fmt.Errorf("wallet %d/%s: %w", userID, currency, models.ErrInsufficientFunds))
	}
	return nil
}
