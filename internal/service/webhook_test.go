package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec-test"

func sign(payload string) string {
	h := hmac.New(sha256.New, []byte(webhookSecret))
	h.Write([]byte(payload))
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func TestHandleDepositWebhookSignature(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.seedEscrow(t, "esc-sig", escrowOpts{status: domain.EscrowPendingDeposit})
	payload := `{"escrow_id":"esc-sig","amount":"100.00","currency":"USD","reference":"dep-1"}`

	tests := []struct {
		name      string
		svc       *WebhookService
		signature string
		wantErr   bool
	}{
		{name: "valid", svc: NewWebhookService(env.store, webhookSecret, false), signature: sign(payload)},
		{name: "tampered", svc: NewWebhookService(env.store, webhookSecret, false), signature: sign(payload + " "), wantErr: true},
		{name: "missing", svc: NewWebhookService(env.store, webhookSecret, false), wantErr: true},
		{name: "no key configured", svc: NewWebhookService(env.store, "", false), signature: sign(payload), wantErr: true},
		{name: "verification disabled", svc: NewWebhookService(env.store, "", true), signature: "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.svc.HandleDepositWebhook(context.Background(), []byte(payload), tt.signature)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSignature)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "esc-sig", resp.EscrowID)
			assert.Equal(t, "recorded", resp.Status)
		})
	}
}

func TestHandleDepositWebhookReplay(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	env.seedEscrow(t, "esc-replay", escrowOpts{status: domain.EscrowPendingDeposit})
	svc := NewWebhookService(env.store, webhookSecret, false)
	payload := `{"escrow_id":"esc-replay","amount":"100.00","currency":"usd","reference":"dep-replay"}`

	first, err := svc.HandleDepositWebhook(ctx, []byte(payload), sign(payload))
	require.NoError(t, err)
	second, err := svc.HandleDepositWebhook(ctx, []byte(payload), sign(payload))
	require.NoError(t, err)
	assert.Equal(t, first.NotificationID, second.NotificationID)
	assert.Equal(t, "Deposit notification already recorded", second.Message)

	notes, err := env.store.Queries().ListDepositNotificationsByEscrow(ctx, "esc-replay")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "USD", notes[0].Currency)

	changed := `{"escrow_id":"esc-replay","amount":"90.00","currency":"USD","reference":"dep-replay"}`
	_, err = svc.HandleDepositWebhook(ctx, []byte(changed), sign(changed))
	require.ErrorIs(t, err, ErrDepositPayloadMismatch)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestHandleDepositWebhookRejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.seedEscrow(t, "esc-usd", escrowOpts{status: domain.EscrowPendingDeposit})
	svc := NewWebhookService(env.store, webhookSecret, false)

	tests := []struct {
		name    string
		payload string
		want    Kind
	}{
		{name: "not json", payload: `{"escrow_id":`, want: KindInvalidInput},
		{name: "missing reference", payload: `{"escrow_id":"esc-usd","amount":"1.00","currency":"USD"}`, want: KindInvalidInput},
		{name: "missing escrow", payload: `{"amount":"1.00","currency":"USD","reference":"r1"}`, want: KindInvalidInput},
		{name: "negative amount", payload: `{"escrow_id":"esc-usd","amount":"-1.00","currency":"USD","reference":"r2"}`, want: KindInvalidInput},
		{name: "sub-cent amount", payload: `{"escrow_id":"esc-usd","amount":"1.001","currency":"USD","reference":"r3"}`, want: KindInvalidInput},
		{name: "currency differs from escrow", payload: `{"escrow_id":"esc-usd","amount":"1.00","currency":"EUR","reference":"r4"}`, want: KindInvalidInput},
		{name: "unknown escrow", payload: `{"escrow_id":"esc-missing","amount":"1.00","currency":"USD","reference":"r5"}`, want: KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.HandleDepositWebhook(context.Background(), []byte(tt.payload), sign(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestDepositNotificationsConfirmEscrow(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	env.seedEscrow(t, "esc-notified", escrowOpts{status: domain.EscrowPendingDeposit, amount: "100.00", buyerFee: "2.00"})

	sweeps := NewSweepService(env.store, env.settler, env.guard, gateway.NewNotificationConfirmer(env.store.Queries()),
		SweepConfig{BatchSize: 50, BatchTimeout: 5 * time.Second})
	webhooks := NewWebhookService(env.store, webhookSecret, false)

	partial := `{"escrow_id":"esc-notified","amount":"60.00","currency":"USD","reference":"dep-a"}`
	_, err := webhooks.HandleDepositWebhook(ctx, []byte(partial), sign(partial))
	require.NoError(t, err)

	summary, err := sweeps.ConfirmDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, domain.EscrowPendingDeposit, env.escrowStatus(t, "esc-notified"))

	rest := `{"escrow_id":"esc-notified","amount":"42.00","currency":"USD","reference":"dep-b"}`
	_, err = webhooks.HandleDepositWebhook(ctx, []byte(rest), sign(rest))
	require.NoError(t, err)

	summary, err = sweeps.ConfirmDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, domain.EscrowActive, env.escrowStatus(t, "esc-notified"))
}
