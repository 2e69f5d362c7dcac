package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/gateway"
	"github.com/ayo6706/escrow-settlement/internal/idempotency"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sweep names.
const (
	SweepDepositConfirmation = "deposit_confirmation"
	SweepExpiredEscrows      = "expired_escrows"
	SweepPaymentTimeouts     = "payment_timeouts"
	SweepAutoRelease         = "auto_release"
)

// Sweeps lists every sweep name in the order the scheduler starts them.
var Sweeps = []string{SweepDepositConfirmation, SweepExpiredEscrows, SweepPaymentTimeouts, SweepAutoRelease}

var ErrUnknownSweep = errors.New("unknown sweep")

// errSkip rolls back the locked operation and counts the escrow as skipped.
var errSkip = errors.New("escrow skipped")

// SweepSummary reports what one sweep run did.
type SweepSummary struct {
	Sweep     string `json:"sweep"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	// Remaining is how many candidates were left for the next run when the batch timed out.
	Remaining int `json:"remaining"`
}

type SweepConfig struct {
	BatchSize    int32
	BatchTimeout time.Duration
}

// SweepService drives escrows stuck in well-known states through the locked
// operation and transfer primitives used by dispute resolution.
type SweepService struct {
	store     QueryStore
	settler   *Settler
	guard     *idempotency.Guard
	confirmer gateway.DepositConfirmer
	cfg       SweepConfig
}

func NewSweepService(store QueryStore, settler *Settler, guard *idempotency.Guard, confirmer gateway.DepositConfirmer, cfg SweepConfig) *SweepService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Second
	}
	return &SweepService{store: store, settler: settler, guard: guard, confirmer: confirmer, cfg: cfg}
}

// Run executes the named sweep once.
func (s *SweepService) Run(ctx context.Context, name string) (SweepSummary, error) {
	switch name {
	case SweepDepositConfirmation:
		return s.ConfirmDeposits(ctx)
	case SweepExpiredEscrows:
		return s.ExpireEscrows(ctx)
	case SweepPaymentTimeouts:
		return s.CancelPaymentTimeouts(ctx)
	case SweepAutoRelease:
		return s.AutoRelease(ctx)
	}
	return SweepSummary{Sweep: name}, newError(KindInvalidInput, "run sweep", fmt.Errorf("%w: %q", ErrUnknownSweep, name))
}

// Candidates lists the escrows the named sweep would consider right now.
func (s *SweepService) Candidates(ctx context.Context, name string) ([]*models.Escrow, error) {
	list, err := s.lister(name)
	if err != nil {
		return nil, err
	}
	escrows, err := list(ctx, s.store.Queries(), s.settler.now())
	if err != nil {
		return nil, classify("list sweep candidates", err)
	}
	return escrows, nil
}

type escrowLister func(ctx context.Context, q repository.Querier, now time.Time) ([]*models.Escrow, error)

func (s *SweepService) lister(name string) (escrowLister, error) {
	limit := s.cfg.BatchSize
	switch name {
	case SweepDepositConfirmation:
		return func(ctx context.Context, q repository.Querier, _ time.Time) ([]*models.Escrow, error) {
			return q.ListEscrowsAwaitingDeposit(ctx, limit)
		}, nil
	case SweepExpiredEscrows:
		return func(ctx context.Context, q repository.Querier, now time.Time) ([]*models.Escrow, error) {
			return q.ListExpiredEscrows(ctx, repository.ListDueEscrowsParams{Before: now, Limit: limit})
		}, nil
	case SweepPaymentTimeouts:
		return func(ctx context.Context, q repository.Querier, now time.Time) ([]*models.Escrow, error) {
			return q.ListPaymentTimeouts(ctx, repository.ListDueEscrowsParams{Before: now, Limit: limit})
		}, nil
	case SweepAutoRelease:
		return func(ctx context.Context, q repository.Querier, now time.Time) ([]*models.Escrow, error) {
			return q.ListAutoReleaseDue(ctx, repository.ListDueEscrowsParams{Before: now, Limit: limit})
		}, nil
	}
	return nil, newError(KindInvalidInput, "run sweep", fmt.Errorf("%w: %q", ErrUnknownSweep, name))
}

// ConfirmDeposits activates escrows whose deposit the confirmer reports as arrived.
func (s *SweepService) ConfirmDeposits(ctx context.Context) (SweepSummary, error) {
	return s.sweep(ctx, SweepDepositConfirmation, s.confirmDeposit)
}

// ExpireEscrows refunds active escrows the seller never accepted once they pass
// expires_at. An escrow without a completed deposit is never refunded.
func (s *SweepService) ExpireEscrows(ctx context.Context) (SweepSummary, error) {
	return s.sweep(ctx, SweepExpiredEscrows, s.expireEscrow)
}

// CancelPaymentTimeouts cancels escrows whose deposit never arrived before the
// payment deadline. No funds move.
func (s *SweepService) CancelPaymentTimeouts(ctx context.Context) (SweepSummary, error) {
	return s.sweep(ctx, SweepPaymentTimeouts, s.cancelPaymentTimeout)
}

// AutoRelease pays the seller for accepted escrows past auto_release_at that have no
// open dispute.
func (s *SweepService) AutoRelease(ctx context.Context) (SweepSummary, error) {
	return s.sweep(ctx, SweepAutoRelease, s.autoRelease)
}

func (s *SweepService) sweep(ctx context.Context, name string, handle func(ctx context.Context, e *models.Escrow) error) (SweepSummary, error) {
	summary := SweepSummary{Sweep: name}
	list, err := s.lister(name)
	if err != nil {
		return summary, err
	}

	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	candidates, err := list(batchCtx, s.store.Queries(), s.settler.now())
	if err != nil {
		observability.ObserveSweep(name, "error", 0, 0, 0)
		return summary, classify("list "+name+" candidates", err)
	}

	for i, e := range candidates {
		if batchCtx.Err() != nil {
			summary.Remaining = len(candidates) - i
			zap.L().Warn("sweep batch deadline reached; leaving remaining escrows for the next run",
				zap.String("sweep", name),
				zap.Int("remaining", summary.Remaining),
			)
			break
		}

		err := handle(batchCtx, e)
		switch {
		case err == nil:
			summary.Processed++
		case errors.Is(err, errSkip):
			summary.Skipped++
		case KindOf(err) == KindInvalidState:
			// another trigger moved the escrow first
			summary.Skipped++
			zap.L().Info("sweep lost race for escrow", zap.String("sweep", name), zap.String("escrow_id", e.ID), zap.Error(err))
		default:
			summary.Failed++
			zap.L().Error("sweep failed for escrow",
				zap.String("sweep", name),
				zap.String("escrow_id", e.ID),
				zap.String("error_kind", string(KindOf(err))),
				zap.Error(err),
			)
		}
	}

	result := "success"
	if summary.Failed > 0 {
		result = "partial"
	}
	observability.ObserveSweep(name, result, summary.Processed, summary.Failed, summary.Skipped)
	if summary.Processed+summary.Failed > 0 {
		zap.L().Info("sweep finished",
			zap.String("sweep", name),
			zap.Int("processed", summary.Processed),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}

func (s *SweepService) confirmDeposit(ctx context.Context, e *models.Escrow) error {
	confirmed, err := s.confirmer.IsConfirmed(ctx, e)
	if err != nil {
		return classify("check deposit confirmation", err)
	}
	if !confirmed {
		return errSkip
	}

	funded := e.FundedAmount()
	key := depositKey(e)
	if s.guard.IsDuplicate(ctx, key, 0) {
		return errSkip
	}

	err = s.settler.WithLockedEscrow(ctx, e.ID, func(qtx repository.Querier, locked *models.Escrow) error {
		at := s.settler.now()
		prev, err := s.settler.transition(locked, domain.EscrowActive, at)
		if err != nil {
			return err
		}

		escrowID := locked.ID
		completedAt := at
		if _, err := qtx.InsertTransaction(ctx, repository.InsertTransactionParams{
			ID:             uuid.New(),
			UserID:         locked.BuyerID,
			Type:           domain.TxTypeEscrowDeposit,
			Direction:      domain.DirectionDebit,
			Amount:         locked.FundedAmount(),
			Currency:       locked.Currency,
			EscrowID:       &escrowID,
			Status:         domain.TxStatusCompleted,
			IdempotencyKey: key + ":deposit",
			OperationKey:   key,
			Description:    "escrow deposit confirmed",
			CreatedAt:      at,
			CompletedAt:    &completedAt,
		}); err != nil {
			if repository.IsUniqueViolation(err) {
				return newError(KindInvalidState, "record escrow deposit", fmt.Errorf("%w: escrow %s", ErrDuplicateOperation, locked.ID))
			}
			return transferError("record escrow deposit", err)
		}

		if err := s.settler.persistTransition(ctx, qtx, locked, prev, nil, "deposit_confirmed", nil); err != nil {
			return err
		}
		return enqueueEvent(ctx, qtx, SettlementEvent{
			EscrowID:       locked.ID,
			CompletionType: domain.EventDepositConfirmed,
			Amount:         locked.FundedAmount(),
			Currency:       locked.Currency,
			BuyerID:        locked.BuyerID,
			SellerID:       locked.SellerID,
			OccurredAt:     at,
		})
	})
	if err != nil {
		return err
	}
	s.guard.Register(ctx, key)
	zap.L().Info("escrow deposit confirmed", zap.String("escrow_id", e.ID), zap.String("amount", funded.String()), zap.String("currency", e.Currency))
	return nil
}

func depositKey(e *models.Escrow) string {
	return idempotency.DeriveKey(idempotency.Operation{
		ActorID:   domain.SystemActorID,
		Type:      domain.TxTypeEscrowDeposit,
		Amount:    e.FundedAmount(),
		Currency:  e.Currency,
		RelatedID: e.ID,
	})
}

func (s *SweepService) expireEscrow(ctx context.Context, e *models.Escrow) error {
	key := idempotency.DeriveKey(idempotency.Operation{
		ActorID:   domain.SystemActorID,
		Type:      "escrow_expiry_refund",
		Amount:    e.Amount,
		Currency:  e.Currency,
		RelatedID: e.ID,
	})
	if s.guard.IsDuplicate(ctx, key, 0) {
		return errSkip
	}

	var refunded string
	err := s.settler.WithLockedEscrow(ctx, e.ID, func(qtx repository.Querier, locked *models.Escrow) error {
		if locked.SellerAccepted() {
			return errSkip
		}
		// an open dispute belongs to the resolution service
		if _, err := qtx.GetOpenDisputeByEscrow(ctx, locked.ID); err == nil {
			zap.L().Warn("expired escrow has an open dispute; leaving it for resolution", zap.String("escrow_id", locked.ID))
			return errSkip
		} else if !errors.Is(err, repository.ErrNoRows) {
			return classify("check open dispute", err)
		}
		paid, err := qtx.HasCompletedDeposit(ctx, locked.ID)
		if err != nil {
			return classify("check escrow deposit", err)
		}
		if !paid {
			zap.L().Warn("expired escrow has no completed deposit; refusing to refund",
				zap.String("escrow_id", locked.ID),
				zap.Int64("buyer_id", locked.BuyerID),
				zap.String("amount", locked.Amount.String()),
			)
			return errSkip
		}

		at := s.settler.now()
		prev, err := s.settler.transition(locked, domain.EscrowExpired, at)
		if err != nil {
			return err
		}
		in := locked.FeeInput()
		if err := in.Validate(); err != nil {
			return classify("compute expiry refund", err)
		}
		refund := domain.RefundToBuyer(in)
		if _, err := CreditWallet(ctx, qtx, Transfer{
			UserID:       locked.BuyerID,
			Amount:       refund.Amount,
			Currency:     locked.Currency,
			EscrowID:     locked.ID,
			Type:         domain.TxTypeRefund,
			Description:  "escrow expired",
			OperationKey: key,
			Leg:          "buyer",
			At:           at,
		}); err != nil {
			return err
		}
		if err := s.settler.recordRevenue(ctx, qtx, locked, nil, refund.RetainedFees, SweepExpiredEscrows, at); err != nil {
			return err
		}
		if err := s.settler.persistTransition(ctx, qtx, locked, prev, nil, "expired", map[string]string{"refund": refund.Amount.String()}); err != nil {
			return err
		}
		refunded = refund.Amount.String()
		buyer, seller := locked.BuyerID, locked.SellerID
		return enqueueEvent(ctx, qtx, SettlementEvent{
			EscrowID:       locked.ID,
			CompletionType: domain.EventEscrowExpired,
			Amount:         refund.Amount,
			Currency:       locked.Currency,
			BuyerID:        buyer,
			SellerID:       seller,
			WinnerID:       &buyer,
			LoserID:        &seller,
			OccurredAt:     at,
		})
	})
	if err != nil {
		return err
	}
	s.guard.Register(ctx, key)
	zap.L().Info("expired escrow refunded", zap.String("escrow_id", e.ID), zap.String("amount", refunded), zap.String("currency", e.Currency))
	return nil
}

func (s *SweepService) cancelPaymentTimeout(ctx context.Context, e *models.Escrow) error {
	// A deposit that arrived but is not yet activated must not be cancelled.
	confirmed, err := s.confirmer.IsConfirmed(ctx, e)
	if err != nil {
		return classify("check deposit confirmation", err)
	}
	if confirmed {
		zap.L().Warn("payment deadline passed but deposit is confirmed; leaving for deposit confirmation", zap.String("escrow_id", e.ID))
		return errSkip
	}

	err = s.settler.WithLockedEscrow(ctx, e.ID, func(qtx repository.Querier, locked *models.Escrow) error {
		paid, err := qtx.HasCompletedDeposit(ctx, locked.ID)
		if err != nil {
			return classify("check escrow deposit", err)
		}
		if paid {
			return errSkip
		}
		at := s.settler.now()
		prev, err := s.settler.transition(locked, domain.EscrowPaymentCancelled, at)
		if err != nil {
			return err
		}
		if err := s.settler.persistTransition(ctx, qtx, locked, prev, nil, "payment_timeout", nil); err != nil {
			return err
		}
		return enqueueEvent(ctx, qtx, SettlementEvent{
			EscrowID:       locked.ID,
			CompletionType: domain.EventPaymentCancelled,
			Amount:         locked.Amount,
			Currency:       locked.Currency,
			BuyerID:        locked.BuyerID,
			SellerID:       locked.SellerID,
			OccurredAt:     at,
		})
	})
	if err != nil {
		return err
	}
	zap.L().Info("escrow cancelled after payment timeout", zap.String("escrow_id", e.ID))
	return nil
}

func (s *SweepService) autoRelease(ctx context.Context, e *models.Escrow) error {
	key := idempotency.DeriveKey(idempotency.Operation{
		ActorID:   domain.SystemActorID,
		Type:      "escrow_auto_release",
		Amount:    e.Amount,
		Currency:  e.Currency,
		RelatedID: e.ID,
	})
	if s.guard.IsDuplicate(ctx, key, 0) {
		return errSkip
	}

	var released string
	err := s.settler.WithLockedEscrow(ctx, e.ID, func(qtx repository.Querier, locked *models.Escrow) error {
		if _, err := qtx.GetOpenDisputeByEscrow(ctx, locked.ID); err == nil {
			return errSkip
		} else if !errors.Is(err, repository.ErrNoRows) {
			return classify("check open dispute", err)
		}
		paid, err := qtx.HasCompletedDeposit(ctx, locked.ID)
		if err != nil {
			return classify("check escrow deposit", err)
		}
		if !paid {
			zap.L().Warn("auto-release due but escrow has no completed deposit; refusing to release", zap.String("escrow_id", locked.ID))
			return errSkip
		}

		at := s.settler.now()
		prev, err := s.settler.transition(locked, domain.EscrowCompleted, at)
		if err != nil {
			return err
		}
		in := locked.FeeInput()
		if err := in.Validate(); err != nil {
			return classify("compute auto release", err)
		}
		release := domain.ReleaseToSeller(in)
		if _, err := CreditWallet(ctx, qtx, Transfer{
			UserID:       locked.SellerID,
			Amount:       release.Amount,
			Currency:     locked.Currency,
			EscrowID:     locked.ID,
			Type:         domain.TxTypeEscrowRelease,
			Description:  "escrow auto-released",
			OperationKey: key,
			Leg:          "seller",
			At:           at,
		}); err != nil {
			return err
		}
		if err := s.settler.recordRevenue(ctx, qtx, locked, nil, release.RetainedFees, SweepAutoRelease, at); err != nil {
			return err
		}
		if err := s.settler.persistTransition(ctx, qtx, locked, prev, nil, "auto_released", map[string]string{"release": release.Amount.String()}); err != nil {
			return err
		}
		released = release.Amount.String()
		buyer, seller := locked.BuyerID, locked.SellerID
		return enqueueEvent(ctx, qtx, SettlementEvent{
			EscrowID:       locked.ID,
			CompletionType: domain.EventEscrowAutoReleased,
			Amount:         release.Amount,
			Currency:       locked.Currency,
			BuyerID:        buyer,
			SellerID:       seller,
			WinnerID:       &seller,
			LoserID:        &buyer,
			OccurredAt:     at,
		})
	})
	if err != nil {
		return err
	}
	s.guard.Register(ctx, key)
	zap.L().Info("escrow auto-released", zap.String("escrow_id", e.ID), zap.String("amount", released), zap.String("currency", e.Currency))
	return nil
}
