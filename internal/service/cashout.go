package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/gateway"
	"github.com/ayo6706/escrow-settlement/internal/idempotency"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CashoutService moves wallet funds to an external destination. Funds stay reserved
// on the wallet from request until the gateway answers.
type CashoutService struct {
	store   QueryStore
	gateway gateway.Gateway
	audit   *AuditService
	now     func() time.Time
}

func NewCashoutService(store QueryStore, gw gateway.Gateway) *CashoutService {
	return &CashoutService{
		store:   store,
		gateway: gw,
		audit:   NewAuditService(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CashoutRequest holds the parameters for creating a cashout.
type CashoutRequest struct {
	UserID      int64
	Amount      decimal.Decimal
	Currency    string
	Destination string
	ReferenceID string
	ActorID     int64
}

type CashoutResponse struct {
	OperationID   uuid.UUID       `json:"operation_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	Message       string          `json:"message"`
}

// RequestCashout reserves the amount on the user's wallet and queues a pending
// operation in one transaction. The gateway call happens later in ProcessCashouts.
func (s *CashoutService) RequestCashout(ctx context.Context, req CashoutRequest) (*CashoutResponse, error) {
	const op = "request cashout"
	currency := domain.NormalizeCurrency(req.Currency)
	if err := domain.ValidateCurrency(currency); err != nil {
		return nil, newError(KindInvalidInput, op, err)
	}
	amount := domain.RoundToMinor(req.Amount, currency)
	if !amount.IsPositive() {
		return nil, newError(KindInvalidInput, op, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, req.Amount))
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		return nil, newError(KindInvalidInput, op, errors.New("reference_id is required"))
	}
	if strings.TrimSpace(req.Destination) == "" {
		return nil, newError(KindInvalidInput, op, errors.New("destination is required"))
	}

	key := idempotency.DeriveKey(idempotency.Operation{
		ActorID:   req.UserID,
		Type:      domain.TxTypeCashout,
		Amount:    amount,
		Currency:  currency,
		RelatedID: req.ReferenceID,
	})

	var resp *CashoutResponse
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		now := s.now()
		rec, err := ReserveFunds(ctx, qtx, Transfer{
			UserID:       req.UserID,
			Amount:       amount,
			Currency:     currency,
			Type:         domain.TxTypeCashout,
			Description:  "cashout to " + req.Destination,
			OperationKey: key,
			Leg:          "reserve",
			At:           now,
		})
		if err != nil {
			return err
		}
		pending, err := qtx.InsertPendingOperation(ctx, repository.InsertPendingOperationParams{
			ID:            uuid.New(),
			Kind:          domain.OperationKindCashout,
			UserID:        req.UserID,
			Amount:        amount,
			Currency:      currency,
			TransactionID: rec.ID,
			Destination:   req.Destination,
			CreatedAt:     now,
		})
		if err != nil {
			return classify("insert pending operation", err)
		}
		if err := s.audit.Write(ctx, qtx, AuditEntry{
			EntityType: entityOperation,
			EntityID:   pending.ID.String(),
			ActorID:    actorParam(req.ActorID),
			Action:     "created",
			NextState:  pending.Status,
			Metadata:   map[string]string{"reference_id": req.ReferenceID, "destination": req.Destination},
			At:         now,
		}); err != nil {
			return classify("audit cashout", err)
		}
		resp = &CashoutResponse{
			OperationID:   pending.ID,
			TransactionID: rec.ID,
			Amount:        amount,
			Currency:      currency,
			Status:        pending.Status,
			Message:       "Cashout queued for processing",
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *CashoutService) GetCashout(ctx context.Context, id uuid.UUID) (models.PendingOperation, error) {
	op, err := s.store.Queries().GetPendingOperation(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return models.PendingOperation{}, newError(KindNotFound, "get cashout", fmt.Errorf("%w: %s", ErrOperationNotFound, id))
		}
		return models.PendingOperation{}, classify("get cashout", err)
	}
	return op, nil
}

// ProcessCashouts claims a batch of pending cashouts using SKIP LOCKED, calls the
// gateway outside any transaction, and finalizes each one on its own.
func (s *CashoutService) ProcessCashouts(ctx context.Context, batchSize int32) error {
	claimed, err := s.claimPending(ctx, batchSize)
	if err != nil {
		return err
	}

	for i, op := range claimed {
		if err := ctx.Err(); err != nil {
			if requeueErr := s.requeue(context.Background(), claimed[i:]); requeueErr != nil {
				zap.L().Error("failed to requeue claimed cashouts on context cancellation", zap.Error(requeueErr))
			}
			return err
		}

		gatewayRef, err := s.gateway.SendPayout(ctx, op.Destination, op.Amount, op.Currency)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if requeueErr := s.requeue(context.Background(), claimed[i:]); requeueErr != nil {
					zap.L().Error("failed to requeue cashout after gateway cancellation", zap.Error(requeueErr), zap.String("operation_id", op.ID.String()))
				}
				return err
			}
			if failErr := s.handleFailure(ctx, op, err.Error()); failErr != nil {
				zap.L().Error("failed to release cashout reservation", zap.Error(failErr), zap.String("operation_id", op.ID.String()))
			}
			continue
		}

		if err := s.handleSuccess(ctx, op, gatewayRef); err != nil {
			// The operation stays processing with funds reserved; the locked-funds
			// audit reports it for manual action.
			zap.L().Error("cashout succeeded at gateway but local finalization failed",
				zap.Error(err),
				zap.String("operation_id", op.ID.String()),
				zap.String("gateway_ref", gatewayRef),
			)
		}
	}
	return nil
}

func (s *CashoutService) claimPending(ctx context.Context, batchSize int32) ([]models.PendingOperation, error) {
	var claimed []models.PendingOperation
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		ops, err := qtx.ClaimPendingOperations(ctx, repository.ClaimPendingOperationsParams{
			Kind:  domain.OperationKindCashout,
			Limit: batchSize,
		})
		if err != nil {
			return fmt.Errorf("claim pending cashouts: %w", err)
		}
		now := s.now()
		claimed = make([]models.PendingOperation, 0, len(ops))
		for _, op := range ops {
			if err := transitionOperationState(ctx, qtx, s.audit, op.ID, op.Status, domain.OperationStatusProcessing, nil, nil, "processing_started", nil, now); err != nil {
				return fmt.Errorf("claim cashout %s: %w", op.ID, err)
			}
			op.Status = domain.OperationStatusProcessing
			op.UpdatedAt = now
			claimed = append(claimed, op)
		}
		return nil
	})
	if err != nil {
		return nil, classify("claim cashouts", err)
	}
	return claimed, nil
}

func (s *CashoutService) requeue(ctx context.Context, ops []models.PendingOperation) error {
	if len(ops) == 0 {
		return nil
	}
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		now := s.now()
		for _, op := range ops {
			if err := transitionOperationState(ctx, qtx, s.audit, op.ID, domain.OperationStatusProcessing, domain.OperationStatusPending, nil, nil, "requeued", nil, now); err != nil {
				return fmt.Errorf("requeue cashout %s: %w", op.ID, err)
			}
		}
		return nil
	})
}

func (s *CashoutService) handleSuccess(ctx context.Context, op models.PendingOperation, gatewayRef string) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		now := s.now()
		if err := SettleReservation(ctx, qtx, op.UserID, op.Currency, op.Amount, now); err != nil {
			return err
		}
		meta := map[string]string{"gateway_ref": gatewayRef}
		if err := transitionTransactionState(ctx, qtx, s.audit, op.TransactionID, domain.TxStatusCompleted, nil, domain.EventCashoutCompleted, meta, now); err != nil {
			return err
		}
		if err := transitionOperationState(ctx, qtx, s.audit, op.ID, domain.OperationStatusProcessing, domain.OperationStatusCompleted, &gatewayRef, nil, domain.EventCashoutCompleted, meta, now); err != nil {
			return err
		}
		return enqueueOutbox(ctx, qtx, uuid.New(), domain.EventCashoutCompleted, op.ID.String(), cashoutEvent(op, gatewayRef, "", now), now)
	})
}

func (s *CashoutService) handleFailure(ctx context.Context, op models.PendingOperation, reason string) error {
	zap.L().Warn("cashout failed at gateway", zap.String("operation_id", op.ID.String()), zap.String("reason", reason))
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		now := s.now()
		if err := ReleaseReservation(ctx, qtx, op.UserID, op.Currency, op.Amount, now); err != nil {
			return err
		}
		meta := map[string]string{"reason": reason}
		if err := transitionTransactionState(ctx, qtx, s.audit, op.TransactionID, domain.TxStatusFailed, nil, domain.EventCashoutFailed, meta, now); err != nil {
			return err
		}
		if err := transitionOperationState(ctx, qtx, s.audit, op.ID, domain.OperationStatusProcessing, domain.OperationStatusFailed, nil, nil, domain.EventCashoutFailed, meta, now); err != nil {
			return err
		}
		return enqueueOutbox(ctx, qtx, uuid.New(), domain.EventCashoutFailed, op.ID.String(), cashoutEvent(op, "", reason, now), now)
	})
}

func cashoutEvent(op models.PendingOperation, gatewayRef, reason string, at time.Time) map[string]any {
	ev := map[string]any{
		"operation_id": op.ID,
		"user_id":      op.UserID,
		"amount":       op.Amount,
		"currency":     op.Currency,
		"occurred_at":  at,
	}
	if gatewayRef != "" {
		ev["gateway_ref"] = gatewayRef
	}
	if reason != "" {
		ev["reason"] = reason
	}
	return ev
}
