package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrDepositPayloadMismatch = errors.New("deposit payload does not match existing reference")
)

// WebhookService records payment confirmations from the deposit provider. The
// deposit confirmation sweep reads them back through gateway.NotificationConfirmer.
type WebhookService struct {
	store   QueryStore
	hmacKey []byte
	skipSig bool
	now     func() time.Time
}

func NewWebhookService(store QueryStore, hmacKey string, skipSignature bool) *WebhookService {
	return &WebhookService{
		store:   store,
		hmacKey: []byte(hmacKey),
		skipSig: skipSignature,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DepositWebhookPayload is the provider's deposit notification. Amount is a decimal
// string in major units.
type DepositWebhookPayload struct {
	EscrowID  string `json:"escrow_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"` // unique per provider payment
}

type DepositWebhookResponse struct {
	NotificationID uuid.UUID `json:"notification_id"`
	EscrowID       string    `json:"escrow_id"`
	Status         string    `json:"status"`
	Message        string    `json:"message"`
}

// HandleDepositWebhook verifies the signature and stores the notification. A replay
// of a known reference with the same payload succeeds without writing; a different
// payload under a known reference fails.
func (s *WebhookService) HandleDepositWebhook(ctx context.Context, payload []byte, signature string) (*DepositWebhookResponse, error) {
	const op = "handle deposit webhook"
	if !s.verifyHMAC(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var deposit DepositWebhookPayload
	if err := json.Unmarshal(payload, &deposit); err != nil {
		return nil, newError(KindInvalidInput, op, fmt.Errorf("invalid payload: %w", err))
	}
	deposit.EscrowID = strings.TrimSpace(deposit.EscrowID)
	deposit.Reference = strings.TrimSpace(deposit.Reference)
	currency := domain.NormalizeCurrency(deposit.Currency)

	if deposit.Reference == "" {
		return nil, newError(KindInvalidInput, op, errors.New("reference is required"))
	}
	if deposit.EscrowID == "" {
		return nil, newError(KindInvalidInput, op, errors.New("escrow_id is required"))
	}
	if err := domain.ValidateCurrency(currency); err != nil {
		return nil, newError(KindInvalidInput, op, err)
	}
	amount, err := domain.ParseAmount(deposit.Amount, currency)
	if err != nil {
		return nil, newError(KindInvalidInput, op, err)
	}

	queries := s.store.Queries()
	existing, err := queries.GetDepositNotificationByReference(ctx, deposit.Reference)
	switch {
	case err == nil:
		return replayed(existing, deposit.EscrowID, amount, currency)
	case !errors.Is(err, repository.ErrNoRows):
		return nil, classify("check deposit reference", err)
	}

	escrow, err := queries.GetEscrow(ctx, deposit.EscrowID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, newError(KindNotFound, op, fmt.Errorf("%w: %s", ErrEscrowNotFound, deposit.EscrowID))
		}
		return nil, classify("get escrow", err)
	}
	if escrow.Currency != currency {
		return nil, newError(KindInvalidInput, op,
			fmt.Errorf("%w: escrow is %s, deposit is %s", domain.ErrInvalidCurrency, escrow.Currency, currency))
	}

	n, err := queries.InsertDepositNotification(ctx, repository.InsertDepositNotificationParams{
		ID:         uuid.New(),
		EscrowID:   escrow.ID,
		Reference:  deposit.Reference,
		Amount:     amount,
		Currency:   currency,
		ReceivedAt: s.now(),
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			// a concurrent delivery of the same reference won the insert
			existing, getErr := queries.GetDepositNotificationByReference(ctx, deposit.Reference)
			if getErr != nil {
				return nil, classify("reload deposit reference", getErr)
			}
			return replayed(existing, deposit.EscrowID, amount, currency)
		}
		return nil, classify("insert deposit notification", err)
	}

	zap.L().Info("deposit notification recorded",
		zap.String("escrow_id", n.EscrowID),
		zap.String("reference", n.Reference),
		zap.String("amount", n.Amount.String()),
		zap.String("currency", n.Currency),
	)
	return &DepositWebhookResponse{
		NotificationID: n.ID,
		EscrowID:       n.EscrowID,
		Status:         "recorded",
		Message:        "Deposit notification recorded",
	}, nil
}

func replayed(existing models.DepositNotification, escrowID string, amount decimal.Decimal, currency string) (*DepositWebhookResponse, error) {
	if existing.EscrowID != escrowID || !existing.Amount.Equal(amount) || existing.Currency != currency {
		return nil, newError(KindInvalidState, "handle deposit webhook", ErrDepositPayloadMismatch)
	}
	return &DepositWebhookResponse{
		NotificationID: existing.ID,
		EscrowID:       existing.EscrowID,
		Status:         "recorded",
		Message:        "Deposit notification already recorded",
	}, nil
}

func (s *WebhookService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}

	h := hmac.New(sha256.New, s.hmacKey)
	h.Write(payload)
	expectedSig := "sha256=" + hex.EncodeToString(h.Sum(nil))

	// constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expectedSig))
}
