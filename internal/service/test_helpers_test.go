package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/gateway"
	"github.com/ayo6706/escrow-settlement/internal/idempotency"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	buyerID  int64 = 101
	sellerID int64 = 202
	adminID  int64 = 9
)

type testEnv struct {
	store      *repository.MemoryStore
	settler    *Settler
	guard      *idempotency.Guard
	confirmer  *gateway.MockConfirmer
	resolution *ResolutionService
	sweeps     *SweepService
	now        time.Time
}

// newTestEnv wires the settlement services over a fresh in-memory store with a
// fixed clock.
func newTestEnv(t *testing.T, lockTimeout time.Duration) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore(lockTimeout)
	return newTestEnvWithStore(t, store, store)
}

func newTestEnvWithStore(t *testing.T, mem *repository.MemoryStore, store QueryStore) *testEnv {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	settler := NewSettler(store)
	settler.now = func() time.Time { return now }
	guard := idempotency.NewGuard(mem.Queries(), nil, time.Hour)
	confirmer := gateway.NewMockConfirmer()
	return &testEnv{
		store:      mem,
		settler:    settler,
		guard:      guard,
		confirmer:  confirmer,
		resolution: NewResolutionService(store, settler, guard),
		sweeps:     NewSweepService(store, settler, guard, confirmer, SweepConfig{BatchSize: 50, BatchTimeout: 5 * time.Second}),
		now:        now,
	}
}

type escrowOpts struct {
	status          domain.EscrowStatus
	amount          string
	buyerFee        string
	sellerFee       string
	accepted        bool
	deposited       bool
	expiresAt       *time.Time
	paymentDeadline *time.Time
	autoReleaseAt   *time.Time
}

func (env *testEnv) seedEscrow(t *testing.T, id string, o escrowOpts) *models.Escrow {
	t.Helper()
	if o.status == "" {
		o.status = domain.EscrowActive
	}
	if o.amount == "" {
		o.amount = "100.00"
	}
	if o.buyerFee == "" {
		o.buyerFee = "0"
	}
	if o.sellerFee == "" {
		o.sellerFee = "0"
	}
	e := models.Escrow{
		ID:              id,
		BuyerID:         buyerID,
		SellerID:        sellerID,
		Amount:          decimal.RequireFromString(o.amount),
		Currency:        "USD",
		BuyerFee:        decimal.RequireFromString(o.buyerFee),
		SellerFee:       decimal.RequireFromString(o.sellerFee),
		FeePolicy:       domain.FeePolicySplit,
		PaymentDeadline: o.paymentDeadline,
		ExpiresAt:       o.expiresAt,
		AutoReleaseAt:   o.autoReleaseAt,
		CreatedAt:       env.now.Add(-48 * time.Hour),
	}
	if o.accepted {
		at := env.now.Add(-24 * time.Hour)
		e.SellerAcceptedAt = &at
	}
	escrow, err := models.RestoreEscrow(e, string(o.status))
	require.NoError(t, err)

	ctx := context.Background()
	q := env.store.Queries()
	require.NoError(t, q.CreateEscrow(ctx, escrow))
	if o.deposited {
		escrowID := id
		completed := e.CreatedAt
		_, err := q.InsertTransaction(ctx, repository.InsertTransactionParams{
			ID:             uuid.New(),
			UserID:         buyerID,
			Type:           domain.TxTypeEscrowDeposit,
			Direction:      domain.DirectionDebit,
			Amount:         escrow.FundedAmount(),
			Currency:       escrow.Currency,
			EscrowID:       &escrowID,
			Status:         domain.TxStatusCompleted,
			IdempotencyKey: "seed-deposit:" + id,
			OperationKey:   "seed-deposit:" + id,
			CreatedAt:      completed,
			CompletedAt:    &completed,
		})
		require.NoError(t, err)
	}
	return escrow
}

func (env *testEnv) seedDispute(t *testing.T, escrowID string) int64 {
	t.Helper()
	d := models.NewDispute(models.Dispute{
		EscrowID:     escrowID,
		InitiatorID:  buyerID,
		RespondentID: sellerID,
		Reason:       "item not as described",
		CreatedAt:    env.now.Add(-time.Hour),
	})
	require.NoError(t, env.store.Queries().CreateDispute(context.Background(), d))
	return d.ID
}

// fundWallet credits a wallet outside any escrow.
func (env *testEnv) fundWallet(t *testing.T, userID int64, amount string) {
	t.Helper()
	err := env.store.RunInTx(context.Background(), func(qtx repository.Querier) error {
		_, err := CreditWallet(context.Background(), qtx, Transfer{
			UserID:       userID,
			Amount:       decimal.RequireFromString(amount),
			Currency:     "USD",
			Type:         "seed",
			OperationKey: "seed:" + uuid.NewString(),
			Leg:          "seed",
			At:           env.now.Add(-72 * time.Hour),
		})
		return err
	})
	require.NoError(t, err)
}

// wallet returns the user's USD wallet, or an empty one if it was never created.
func (env *testEnv) wallet(t *testing.T, userID int64) models.Wallet {
	t.Helper()
	w, err := env.store.Queries().GetWallet(context.Background(), userID, "USD")
	if errors.Is(err, repository.ErrNoRows) {
		return models.Wallet{UserID: userID, Currency: "USD"}
	}
	require.NoError(t, err)
	return w
}

func (env *testEnv) escrowStatus(t *testing.T, id string) domain.EscrowStatus {
	t.Helper()
	e, err := env.store.Queries().GetEscrow(context.Background(), id)
	require.NoError(t, err)
	return e.Status()
}

// outboxTypes drains the outbox and returns the event types in order.
func (env *testEnv) outboxTypes(t *testing.T) []string {
	t.Helper()
	pub := &recordingPublisher{}
	_, _, err := NewOutboxService(env.store, pub).PublishPending(context.Background(), 100)
	require.NoError(t, err)
	return pub.types()
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func timeRef(t time.Time) *time.Time {
	return &t
}

func decimalOf(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
