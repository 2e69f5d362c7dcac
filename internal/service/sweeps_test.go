package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmDeposits(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	env.seedEscrow(t, "esc-paid", escrowOpts{status: domain.EscrowPendingDeposit, amount: "50.00", buyerFee: "1.50"})
	env.seedEscrow(t, "esc-waiting", escrowOpts{status: domain.EscrowPendingDeposit})
	env.confirmer.Confirm("esc-paid")

	summary, err := env.sweeps.ConfirmDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Sweep: SweepDepositConfirmation, Processed: 1, Skipped: 1}, summary)

	assert.Equal(t, domain.EscrowActive, env.escrowStatus(t, "esc-paid"))
	assert.Equal(t, domain.EscrowPendingDeposit, env.escrowStatus(t, "esc-waiting"))

	paid, err := env.store.Queries().HasCompletedDeposit(ctx, "esc-paid")
	require.NoError(t, err)
	assert.True(t, paid)
	txs, err := env.store.Queries().ListTransactionsByEscrow(ctx, "esc-paid")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	requireDecimal(t, "51.50", txs[0].Amount)
	assert.Equal(t, []string{domain.EventDepositConfirmed}, env.outboxTypes(t))

	summary, err = env.sweeps.ConfirmDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
}

func TestConfirmDepositsSkipsRegisteredDeposit(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	escrow := env.seedEscrow(t, "esc-replayed", escrowOpts{status: domain.EscrowPendingDeposit})
	env.confirmer.Confirm("esc-replayed")
	env.guard.Register(ctx, depositKey(escrow))

	summary, err := env.sweeps.ConfirmDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Sweep: SweepDepositConfirmation, Skipped: 1}, summary)
	assert.Equal(t, domain.EscrowPendingDeposit, env.escrowStatus(t, "esc-replayed"))
	assert.Empty(t, env.outboxTypes(t))
}

func TestConfirmDepositsCountsConfirmerFailures(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.seedEscrow(t, "esc-unknown", escrowOpts{status: domain.EscrowPendingDeposit})
	env.confirmer.Fail(errors.New("provider timeout"))

	summary, err := env.sweeps.ConfirmDeposits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, domain.EscrowPendingDeposit, env.escrowStatus(t, "esc-unknown"))
}

func TestExpireEscrowsRefundsPaidEscrow(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	env.seedEscrow(t, "esc-expired", escrowOpts{
		amount:    "100.00",
		buyerFee:  "5.00",
		deposited: true,
		expiresAt: timeRef(env.now.Add(-time.Minute)),
	})

	summary, err := env.sweeps.ExpireEscrows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, domain.EscrowExpired, env.escrowStatus(t, "esc-expired"))
	requireDecimal(t, "105.00", env.wallet(t, buyerID).Available)

	revenue, err := env.store.Queries().ListPlatformRevenueByEscrow(ctx, "esc-expired")
	require.NoError(t, err)
	assert.Empty(t, revenue)
	assert.Equal(t, []string{domain.EventEscrowExpired}, env.outboxTypes(t))

	summary, err = env.sweeps.ExpireEscrows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	requireDecimal(t, "105.00", env.wallet(t, buyerID).Available)
}

func TestExpireEscrowsSkipsUnpaidEscrow(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	env.seedEscrow(t, "esc-unpaid", escrowOpts{expiresAt: timeRef(env.now.Add(-time.Hour))})

	summary, err := env.sweeps.ExpireEscrows(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Sweep: SweepExpiredEscrows, Skipped: 1}, summary)
	assert.Equal(t, domain.EscrowActive, env.escrowStatus(t, "esc-unpaid"))
	requireDecimal(t, "0", env.wallet(t, buyerID).Available)
	assert.Empty(t, env.outboxTypes(t))
}

func TestExpireEscrowsIgnoresFutureAndAccepted(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.seedEscrow(t, "esc-future", escrowOpts{deposited: true, expiresAt: timeRef(env.now.Add(time.Hour))})
	env.seedEscrow(t, "esc-accepted", escrowOpts{deposited: true, accepted: true, expiresAt: timeRef(env.now.Add(-time.Hour))})

	candidates, err := env.sweeps.Candidates(context.Background(), SweepExpiredEscrows)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	summary, err := env.sweeps.ExpireEscrows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Sweep: SweepExpiredEscrows}, summary)
}

func TestExpireEscrowsLeavesDisputedEscrowForResolution(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	escrow := env.seedEscrow(t, "esc-disputed", escrowOpts{
		deposited: true,
		expiresAt: timeRef(env.now.Add(-time.Hour)),
	})
	disputeID := env.seedDispute(t, "esc-disputed")

	candidates, err := env.sweeps.Candidates(ctx, SweepExpiredEscrows)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	summary, err := env.sweeps.ExpireEscrows(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Sweep: SweepExpiredEscrows}, summary)

	// the escrow was listed before the dispute opened
	require.ErrorIs(t, env.sweeps.expireEscrow(ctx, escrow), errSkip)
	assert.Equal(t, domain.EscrowActive, env.escrowStatus(t, "esc-disputed"))
	requireDecimal(t, "0", env.wallet(t, buyerID).Available)
	assert.Empty(t, env.outboxTypes(t))

	res := env.resolution.ResolveReleaseToSeller(ctx, disputeID, adminID)
	require.True(t, res.Success, res.ErrorMessage)
	d, err := env.store.Queries().GetDispute(ctx, disputeID)
	require.NoError(t, err)
	assert.False(t, d.IsOpen())
	requireDecimal(t, "100.00", env.wallet(t, sellerID).Available)
}

func TestCancelPaymentTimeouts(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	past := timeRef(env.now.Add(-time.Minute))
	env.seedEscrow(t, "esc-late", escrowOpts{status: domain.EscrowPendingDeposit, paymentDeadline: past})
	env.seedEscrow(t, "esc-arrived", escrowOpts{status: domain.EscrowPendingDeposit, paymentDeadline: past})
	env.confirmer.Confirm("esc-arrived")

	summary, err := env.sweeps.CancelPaymentTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Sweep: SweepPaymentTimeouts, Processed: 1, Skipped: 1}, summary)
	assert.Equal(t, domain.EscrowPaymentCancelled, env.escrowStatus(t, "esc-late"))
	assert.Equal(t, domain.EscrowPendingDeposit, env.escrowStatus(t, "esc-arrived"))
	requireDecimal(t, "0", env.wallet(t, buyerID).Available)
	assert.Equal(t, []string{domain.EventPaymentCancelled}, env.outboxTypes(t))
}

func TestAutoRelease(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	due := timeRef(env.now.Add(-time.Minute))
	env.seedEscrow(t, "esc-due", escrowOpts{
		amount:        "100.00",
		buyerFee:      "2.00",
		sellerFee:     "3.00",
		accepted:      true,
		deposited:     true,
		autoReleaseAt: due,
	})
	env.seedEscrow(t, "esc-contested", escrowOpts{amount: "10.00", accepted: true, deposited: true, autoReleaseAt: due})
	env.seedDispute(t, "esc-contested")

	summary, err := env.sweeps.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Sweep: SweepAutoRelease, Processed: 1}, summary)

	assert.Equal(t, domain.EscrowCompleted, env.escrowStatus(t, "esc-due"))
	assert.Equal(t, domain.EscrowActive, env.escrowStatus(t, "esc-contested"))
	requireDecimal(t, "97.00", env.wallet(t, sellerID).Available)

	revenue, err := env.store.Queries().ListPlatformRevenueByEscrow(ctx, "esc-due")
	require.NoError(t, err)
	require.Len(t, revenue, 1)
	requireDecimal(t, "5.00", revenue[0].Amount)
	assert.Equal(t, []string{domain.EventEscrowAutoReleased}, env.outboxTypes(t))
}

func TestAutoReleaseSkipsUnpaidEscrow(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.seedEscrow(t, "esc-no-deposit", escrowOpts{accepted: true, autoReleaseAt: timeRef(env.now.Add(-time.Minute))})

	summary, err := env.sweeps.AutoRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, domain.EscrowActive, env.escrowStatus(t, "esc-no-deposit"))
	requireDecimal(t, "0", env.wallet(t, sellerID).Available)
}

func TestSweepAndResolutionSettleOnce(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	env.seedEscrow(t, "esc-both", escrowOpts{
		status:    domain.EscrowActive,
		deposited: true,
		expiresAt: timeRef(env.now.Add(-time.Minute)),
	})
	disputeID := env.seedDispute(t, "esc-both")

	res := env.resolution.ResolveReleaseToSeller(ctx, disputeID, adminID)
	require.True(t, res.Success, res.ErrorMessage)

	summary, err := env.sweeps.ExpireEscrows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	requireDecimal(t, "0", env.wallet(t, buyerID).Available)
	requireDecimal(t, "100.00", env.wallet(t, sellerID).Available)
}

func TestRunUnknownSweep(t *testing.T) {
	env := newTestEnv(t, time.Second)

	_, err := env.sweeps.Run(context.Background(), "everything")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSweep)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRunDispatchesByName(t *testing.T) {
	env := newTestEnv(t, time.Second)
	for _, name := range Sweeps {
		summary, err := env.sweeps.Run(context.Background(), name)
		require.NoError(t, err, name)
		assert.Equal(t, name, summary.Sweep)
	}
}
