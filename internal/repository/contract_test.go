package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txStore interface {
	Queries() Querier
	RunInTx(ctx context.Context, fn func(q Querier) error) error
}

var nextUserID atomic.Int64

func init() {
	// keep ids unique across runs against a shared database
	nextUserID.Store(time.Now().UnixNano() % 1_000_000_000)
}

func newUserID() int64 { return nextUserID.Add(1) }

// runStoreContract checks the behavior the settlement services rely on from
// either store implementation.
func runStoreContract(t *testing.T, newStore func(t *testing.T) txStore) {
	t.Run("escrow status compare and set", func(t *testing.T) { testEscrowStatusCAS(t, newStore(t)) })
	t.Run("rollback undoes writes", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("idempotency key unique", func(t *testing.T) { testIdempotencyKeyUnique(t, newStore(t)) })
	t.Run("wallet never negative", func(t *testing.T) { testWalletNeverNegative(t, newStore(t)) })
	t.Run("row lock timeout", func(t *testing.T) { testRowLockTimeout(t, newStore(t)) })
	t.Run("claim skips locked operations", func(t *testing.T) { testClaimSkipsLocked(t, newStore(t)) })
	t.Run("outbox lifecycle", func(t *testing.T) { testOutboxLifecycle(t, newStore(t)) })
	t.Run("one open dispute per escrow", func(t *testing.T) { testOneOpenDispute(t, newStore(t)) })
	t.Run("deposit reference unique", func(t *testing.T) { testDepositReferenceUnique(t, newStore(t)) })
}

func createTestEscrow(t *testing.T, q Querier, status domain.EscrowStatus) *models.Escrow {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e, err := models.RestoreEscrow(models.Escrow{
		ID:        "esc-" + uuid.NewString(),
		BuyerID:   newUserID(),
		SellerID:  newUserID(),
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  "USD",
		BuyerFee:  decimal.RequireFromString("1.00"),
		SellerFee: decimal.Zero,
		FeePolicy: domain.FeePolicyBuyer,
		CreatedAt: now,
	}, string(status))
	require.NoError(t, err)
	require.NoError(t, q.CreateEscrow(context.Background(), e))
	return e
}

func insertTestTransaction(ctx context.Context, q Querier, userID int64, key string) (models.Transaction, error) {
	return q.InsertTransaction(ctx, InsertTransactionParams{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           domain.TxTypeCashout,
		Direction:      domain.DirectionDebit,
		Amount:         decimal.RequireFromString("10.00"),
		Currency:       "USD",
		Status:         domain.TxStatusPending,
		IdempotencyKey: key,
		OperationKey:   key,
		CreatedAt:      time.Now().UTC(),
	})
}

func testEscrowStatusCAS(t *testing.T, store txStore) {
	ctx := context.Background()
	q := store.Queries()
	e := createTestEscrow(t, q, domain.EscrowActive)

	n, err := q.UpdateEscrowStatus(ctx, UpdateEscrowStatusParams{
		ID: e.ID, ExpectedStatus: domain.EscrowDisputed, Status: domain.EscrowRefunded, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	resolved := time.Now().UTC()
	n, err = q.UpdateEscrowStatus(ctx, UpdateEscrowStatusParams{
		ID: e.ID, ExpectedStatus: domain.EscrowActive, Status: domain.EscrowCompleted, ResolvedAt: &resolved, UpdatedAt: resolved,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := q.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCompleted, got.Status())
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.Amount.Equal(e.Amount))
}

func testRollback(t *testing.T, store txStore) {
	ctx := context.Background()
	userID := newUserID()
	errBoom := errors.New("boom")
	var txID uuid.UUID

	err := store.RunInTx(ctx, func(qtx Querier) error {
		if err := qtx.EnsureWallet(ctx, userID, "USD"); err != nil {
			return err
		}
		n, err := qtx.AdjustWallet(ctx, AdjustWalletParams{UserID: userID, Currency: "USD", AvailableDelta: decimal.NewFromInt(50), UpdatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		require.EqualValues(t, 1, n)
		tx, err := insertTestTransaction(ctx, qtx, userID, "rollback:"+uuid.NewString())
		if err != nil {
			return err
		}
		txID = tx.ID
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_, err = store.Queries().GetWallet(ctx, userID, "USD")
	assert.ErrorIs(t, err, ErrNoRows)
	_, err = store.Queries().GetTransaction(ctx, txID)
	assert.ErrorIs(t, err, ErrNoRows)
}

func testIdempotencyKeyUnique(t *testing.T, store txStore) {
	ctx := context.Background()
	key := "leg:" + uuid.NewString()
	userID := newUserID()
	_, err := insertTestTransaction(ctx, store.Queries(), userID, key)
	require.NoError(t, err)

	_, err = insertTestTransaction(ctx, store.Queries(), userID, key)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsRetryable(err))

	exists, err := store.Queries().OperationKeyExists(ctx, OperationKeyExistsParams{OperationKey: key, Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.True(t, exists)
}

func testWalletNeverNegative(t *testing.T, store txStore) {
	ctx := context.Background()
	q := store.Queries()
	userID := newUserID()
	require.NoError(t, q.EnsureWallet(ctx, userID, "USD"))
	n, err := q.AdjustWallet(ctx, AdjustWalletParams{UserID: userID, Currency: "USD", AvailableDelta: decimal.NewFromInt(20), UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = q.AdjustWallet(ctx, AdjustWalletParams{
		UserID: userID, Currency: "USD",
		AvailableDelta: decimal.NewFromInt(-30), ReservedDelta: decimal.NewFromInt(30),
		UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	w, err := q.GetWallet(ctx, userID, "USD")
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(decimal.NewFromInt(20)))
	assert.True(t, w.Reserved.IsZero())
}

func testRowLockTimeout(t *testing.T, store txStore) {
	ctx := context.Background()
	e := createTestEscrow(t, store.Queries(), domain.EscrowActive)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.RunInTx(ctx, func(qtx Querier) error {
			if _, err := qtx.GetEscrowForUpdate(ctx, e.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := store.RunInTx(ctx, func(qtx Querier) error {
		_, err := qtx.GetEscrowForUpdate(ctx, e.ID)
		return err
	})
	close(release)
	require.NoError(t, <-done)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))
}

func testClaimSkipsLocked(t *testing.T, store txStore) {
	ctx := context.Background()
	userID := newUserID()
	kind := "claim-" + uuid.NewString()[:8]
	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		tx, err := insertTestTransaction(ctx, store.Queries(), userID, "claim:"+uuid.NewString())
		require.NoError(t, err)
		op, err := store.Queries().InsertPendingOperation(ctx, InsertPendingOperationParams{
			ID:            uuid.New(),
			Kind:          kind,
			UserID:        userID,
			Amount:        tx.Amount,
			Currency:      "USD",
			TransactionID: tx.ID,
			CreatedAt:     time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
		ids = append(ids, op.ID)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.RunInTx(ctx, func(qtx Querier) error {
			if _, err := qtx.GetPendingOperationForUpdate(ctx, ids[0]); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	var claimed []models.PendingOperation
	err := store.RunInTx(ctx, func(qtx Querier) error {
		var err error
		claimed, err = qtx.ClaimPendingOperations(ctx, ClaimPendingOperationsParams{Kind: kind, Limit: 10})
		return err
	})
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[1], claimed[0].ID)
}

func testOutboxLifecycle(t *testing.T, store txStore) {
	ctx := context.Background()
	q := store.Queries()
	id := uuid.New()
	require.NoError(t, q.InsertOutboxEvent(ctx, InsertOutboxEventParams{
		ID:          id,
		EventType:   domain.EventDisputeResolved,
		AggregateID: "esc-outbox",
		Payload:     []byte(`{"escrow_id":"esc-outbox"}`),
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}))

	n, err := q.MarkOutboxEventFailed(ctx, id, "broker down")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var found bool
	err = store.RunInTx(ctx, func(qtx Querier) error {
		events, err := qtx.ClaimOutboxEvents(ctx, 1000)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.ID == id {
				found = true
				assert.Equal(t, 1, ev.Attempts)
				require.NotNil(t, ev.LastError)
				assert.Equal(t, "broker down", *ev.LastError)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)

	n, err = q.MarkOutboxEventPublished(ctx, id, time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = q.MarkOutboxEventPublished(ctx, id, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testOneOpenDispute(t *testing.T, store txStore) {
	ctx := context.Background()
	q := store.Queries()
	e := createTestEscrow(t, q, domain.EscrowDisputed)

	first := models.NewDispute(models.Dispute{EscrowID: e.ID, InitiatorID: e.BuyerID, RespondentID: e.SellerID, CreatedAt: time.Now().UTC()})
	require.NoError(t, q.CreateDispute(ctx, first))
	assert.NotZero(t, first.ID)

	second := models.NewDispute(models.Dispute{EscrowID: e.ID, InitiatorID: e.SellerID, RespondentID: e.BuyerID, CreatedAt: time.Now().UTC()})
	err := q.CreateDispute(ctx, second)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	n, err := q.ResolveDispute(ctx, ResolveDisputeParams{ID: first.ID, ResolutionKind: "refund", ResolvedBy: 1, ResolvedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = q.ResolveDispute(ctx, ResolveDisputeParams{ID: first.ID, ResolutionKind: "release", ResolvedBy: 1, ResolvedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.GetOpenDisputeByEscrow(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNoRows)
}

func testDepositReferenceUnique(t *testing.T, store txStore) {
	ctx := context.Background()
	q := store.Queries()
	e := createTestEscrow(t, q, domain.EscrowPendingDeposit)
	ref := "dep-" + uuid.NewString()
	arg := InsertDepositNotificationParams{
		ID:         uuid.New(),
		EscrowID:   e.ID,
		Reference:  ref,
		Amount:     decimal.RequireFromString("101.00"),
		Currency:   "USD",
		ReceivedAt: time.Now().UTC(),
	}
	_, err := q.InsertDepositNotification(ctx, arg)
	require.NoError(t, err)

	arg.ID = uuid.New()
	_, err = q.InsertDepositNotification(ctx, arg)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	got, err := q.GetDepositNotificationByReference(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.EscrowID)
	notes, err := q.ListDepositNotificationsByEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}
