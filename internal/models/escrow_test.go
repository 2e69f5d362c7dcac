package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowTransitionTo(t *testing.T) {
	now := time.Now().UTC()
	e := NewEscrow(Escrow{ID: "esc-1", Amount: decimal.NewFromInt(100), Currency: "usd"})
	assert.Equal(t, domain.EscrowPendingDeposit, e.Status())
	assert.Equal(t, "USD", e.Currency)

	require.NoError(t, e.TransitionTo(domain.EscrowActive, now))
	require.NoError(t, e.TransitionTo(domain.EscrowDisputed, now))
	assert.Nil(t, e.ResolvedAt)

	require.NoError(t, e.TransitionTo(domain.EscrowRefunded, now))
	require.NotNil(t, e.ResolvedAt)
	assert.True(t, e.ResolvedAt.Equal(now))

	err := e.TransitionTo(domain.EscrowCompleted, now)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.EscrowRefunded, e.Status())
}

func TestRestoreEscrow(t *testing.T) {
	e, err := RestoreEscrow(Escrow{ID: "esc-2"}, "disputed")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowDisputed, e.Status())

	_, err = RestoreEscrow(Escrow{ID: "esc-3"}, "bogus")
	require.Error(t, err)
}

func TestEscrowMarshalIncludesStatus(t *testing.T) {
	e := NewEscrow(Escrow{ID: "esc-4", Amount: decimal.RequireFromString("10.50"), Currency: "EUR"})
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "pending_deposit", out["status"])
	assert.Equal(t, "esc-4", out["id"])
}

func TestEscrowFundedAmount(t *testing.T) {
	accepted := time.Now()
	e := NewEscrow(Escrow{Amount: decimal.RequireFromString("100"), BuyerFee: decimal.RequireFromString("5"), Currency: "USD"})
	assert.Equal(t, "105", e.FundedAmount().String())
	assert.False(t, e.FeeInput().SellerAccepted)

	e.SellerAcceptedAt = &accepted
	assert.True(t, e.FeeInput().SellerAccepted)
}

func TestDisputeResolveOnce(t *testing.T) {
	now := time.Now()
	d := NewDispute(Dispute{ID: 7, EscrowID: "esc-5"})
	require.True(t, d.IsOpen())

	require.NoError(t, d.Resolve(domain.ResolutionRefundedToBuyer, 42, now))
	assert.Equal(t, domain.DisputeStatusResolved, d.Status())
	require.NotNil(t, d.ResolvedBy)
	assert.Equal(t, int64(42), *d.ResolvedBy)

	err := d.Resolve(domain.ResolutionReleasedToSeller, 43, now)
	require.ErrorIs(t, err, ErrDisputeAlreadyResolved)
	assert.Equal(t, domain.ResolutionRefundedToBuyer, *d.ResolutionKind)
}
