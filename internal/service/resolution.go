package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/idempotency"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Idempotency operation types for dispute resolutions.
const (
	opDisputeRefund  = "dispute_refund"
	opDisputeRelease = "dispute_release"
	opDisputeSplit   = "dispute_split"
)

// ResolutionResult is the outcome of one resolution attempt. On failure ErrorKind
// tells the caller whether a retry can help.
type ResolutionResult struct {
	Success        bool            `json:"success"`
	EscrowID       string          `json:"escrow_id,omitempty"`
	DisputeID      int64           `json:"dispute_id"`
	ResolutionKind string          `json:"resolution_kind,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	BuyerAmount    decimal.Decimal `json:"buyer_amount"`
	SellerAmount   decimal.Decimal `json:"seller_amount"`
	RetainedFees   decimal.Decimal `json:"retained_fees"`
	Currency       string          `json:"currency,omitempty"`
	WinnerID       *int64          `json:"winner_id,omitempty"`
	LoserID        *int64          `json:"loser_id,omitempty"`
	ErrorKind      Kind            `json:"error_kind,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`

	Err error `json:"-"`
}

// resolutionPlan is what a resolution will do to one locked escrow.
type resolutionPlan struct {
	kind         string
	opType       string
	opContext    string
	target       domain.EscrowStatus
	buyerAmount  decimal.Decimal
	sellerAmount decimal.Decimal
	retained     decimal.Decimal
	winnerID     int64
	loserID      int64
}

func (p resolutionPlan) total() decimal.Decimal {
	return p.buyerAmount.Add(p.sellerAmount)
}

type planFunc func(e *models.Escrow) (resolutionPlan, error)

// ResolutionService settles disputed escrows on an administrator's decision.
type ResolutionService struct {
	store   QueryStore
	settler *Settler
	guard   *idempotency.Guard
}

func NewResolutionService(store QueryStore, settler *Settler, guard *idempotency.Guard) *ResolutionService {
	return &ResolutionService{store: store, settler: settler, guard: guard}
}

// GetDispute loads a dispute with its escrow.
func (s *ResolutionService) GetDispute(ctx context.Context, disputeID int64) (*models.Dispute, *models.Escrow, error) {
	q := s.store.Queries()
	d, err := q.GetDispute(ctx, disputeID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, nil, newError(KindNotFound, "get dispute", fmt.Errorf("%w: %d", ErrDisputeNotFound, disputeID))
		}
		return nil, nil, classify("get dispute", err)
	}
	e, err := q.GetEscrow(ctx, d.EscrowID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			return nil, nil, newError(KindNotFound, "get dispute", fmt.Errorf("%w: %s", ErrEscrowNotFound, d.EscrowID))
		}
		return nil, nil, classify("get dispute", err)
	}
	return d, e, nil
}

// ResolveRefundToBuyer returns the escrow to the buyer. The buyer fee is refunded
// too when the seller never accepted the trade.
func (s *ResolutionService) ResolveRefundToBuyer(ctx context.Context, disputeID, adminID int64) ResolutionResult {
	return s.resolve(ctx, disputeID, adminID, func(e *models.Escrow) (resolutionPlan, error) {
		in := e.FeeInput()
		if err := in.Validate(); err != nil {
			return resolutionPlan{}, err
		}
		refund := domain.RefundToBuyer(in)
		return resolutionPlan{
			kind:         domain.ResolutionRefundedToBuyer,
			opType:       opDisputeRefund,
			target:       domain.EscrowRefunded,
			buyerAmount:  refund.Amount,
			sellerAmount: decimal.Zero,
			retained:     refund.RetainedFees,
			winnerID:     e.BuyerID,
			loserID:      e.SellerID,
		}, nil
	})
}

// ResolveReleaseToSeller pays the escrow out to the seller net of the seller fee.
func (s *ResolutionService) ResolveReleaseToSeller(ctx context.Context, disputeID, adminID int64) ResolutionResult {
	return s.resolve(ctx, disputeID, adminID, func(e *models.Escrow) (resolutionPlan, error) {
		in := e.FeeInput()
		if err := in.Validate(); err != nil {
			return resolutionPlan{}, err
		}
		release := domain.ReleaseToSeller(in)
		return resolutionPlan{
			kind:         domain.ResolutionReleasedToSeller,
			opType:       opDisputeRelease,
			target:       domain.EscrowCompleted,
			buyerAmount:  decimal.Zero,
			sellerAmount: release.Amount,
			retained:     release.RetainedFees,
			winnerID:     e.SellerID,
			loserID:      e.BuyerID,
		}, nil
	})
}

// ResolveCustomSplit divides the escrow by percentage. The percentages are checked
// before anything is loaded.
func (s *ResolutionService) ResolveCustomSplit(ctx context.Context, disputeID int64, buyerPct, sellerPct int, adminID int64) ResolutionResult {
	if err := domain.ValidateSplit(buyerPct, sellerPct); err != nil {
		return s.failure(disputeID, nil, domain.SplitKind(buyerPct, sellerPct), newError(KindInvalidInput, "resolve custom split", err))
	}
	return s.resolve(ctx, disputeID, adminID, func(e *models.Escrow) (resolutionPlan, error) {
		split, err := domain.CustomSplit(e.FeeInput(), buyerPct, sellerPct)
		if err != nil {
			return resolutionPlan{}, err
		}
		// The larger share wins; ties go to the buyer like the rounding remainder.
		winner, loser := e.BuyerID, e.SellerID
		if sellerPct > buyerPct {
			winner, loser = e.SellerID, e.BuyerID
		}
		return resolutionPlan{
			kind:         domain.SplitKind(buyerPct, sellerPct),
			opType:       opDisputeSplit,
			opContext:    strconv.Itoa(buyerPct) + "/" + strconv.Itoa(sellerPct),
			target:       domain.EscrowCompleted,
			buyerAmount:  split.BuyerShare,
			sellerAmount: split.SellerShare,
			retained:     split.RetainedFees,
			winnerID:     winner,
			loserID:      loser,
		}, nil
	})
}

func (s *ResolutionService) resolve(ctx context.Context, disputeID, adminID int64, plan planFunc) ResolutionResult {
	dispute, escrow, err := s.GetDispute(ctx, disputeID)
	if err != nil {
		return s.failure(disputeID, nil, "", err)
	}
	if !dispute.IsOpen() {
		return s.failure(disputeID, escrow, "", newError(KindInvalidState, "resolve dispute",
			fmt.Errorf("%w: dispute %d is %s", ErrDisputeNotOpen, disputeID, dispute.Status())))
	}
	if err := checkResolvable(escrow); err != nil {
		return s.failure(disputeID, escrow, "", err)
	}

	p, err := plan(escrow)
	if err != nil {
		return s.failure(disputeID, escrow, "", classify("plan resolution", err))
	}

	key := idempotency.DeriveKey(idempotency.Operation{
		ActorID:   adminID,
		Type:      p.opType,
		Amount:    escrow.Amount,
		Currency:  escrow.Currency,
		RelatedID: strconv.FormatInt(disputeID, 10),
		Context:   p.opContext,
	})
	if s.guard.IsDuplicate(ctx, key, 0) {
		return s.failure(disputeID, escrow, p.kind, newError(KindInvalidState, "resolve dispute",
			fmt.Errorf("%w: dispute %d", ErrDuplicateOperation, disputeID)))
	}

	var settled resolutionPlan
	err = s.settler.WithLockedEscrow(ctx, escrow.ID, func(qtx repository.Querier, locked *models.Escrow) error {
		d, err := qtx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return classify("lock dispute", err)
		}
		if !d.IsOpen() {
			return newError(KindInvalidState, "lock dispute", fmt.Errorf("%w: dispute %d", models.ErrDisputeAlreadyResolved, disputeID))
		}
		if err := checkResolvable(locked); err != nil {
			return err
		}
		// Amounts come from the locked row; acceptance may have changed since the first read.
		if settled, err = plan(locked); err != nil {
			return classify("plan resolution", err)
		}

		at := s.settler.now()
		prev, err := s.settler.transition(locked, settled.target, at)
		if err != nil {
			return err
		}
		if _, err := ApplyOrderedCredits(ctx, qtx, []Transfer{
			s.leg(locked, disputeID, key, "buyer", locked.BuyerID, settled.buyerAmount, settled, at),
			s.leg(locked, disputeID, key, "seller", locked.SellerID, settled.sellerAmount, settled, at),
		}); err != nil {
			return err
		}
		if err := s.settler.persistTransition(ctx, qtx, locked, prev, actorParam(adminID), "dispute_"+settled.kind, map[string]any{
			"dispute_id":    disputeID,
			"buyer_amount":  settled.buyerAmount,
			"seller_amount": settled.sellerAmount,
		}); err != nil {
			return err
		}

		rows, err := qtx.ResolveDispute(ctx, repository.ResolveDisputeParams{
			ID:             disputeID,
			ResolutionKind: settled.kind,
			ResolvedBy:     adminID,
			ResolvedAt:     at,
		})
		if err != nil {
			return classify("resolve dispute", err)
		}
		if rows != 1 {
			return newError(KindInvalidState, "resolve dispute", fmt.Errorf("%w: dispute %d", models.ErrDisputeAlreadyResolved, disputeID))
		}
		if err := s.settler.audit.Write(ctx, qtx, AuditEntry{
			EntityType: entityDispute,
			EntityID:   strconv.FormatInt(disputeID, 10),
			ActorID:    actorParam(adminID),
			Action:     "resolved",
			PrevState:  domain.DisputeStatusOpen,
			NextState:  domain.DisputeStatusResolved,
			Metadata:   map[string]string{"resolution_kind": settled.kind},
			At:         at,
		}); err != nil {
			return classify("audit dispute resolution", err)
		}

		if err := s.settler.recordRevenue(ctx, qtx, locked, &disputeID, settled.retained, settled.kind, at); err != nil {
			return err
		}

		winner, loser := settled.winnerID, settled.loserID
		if err := enqueueEvent(ctx, qtx, SettlementEvent{
			EventID:        uuid.New(),
			EscrowID:       locked.ID,
			DisputeID:      &disputeID,
			CompletionType: domain.EventDisputeResolved,
			Amount:         settled.total(),
			Currency:       locked.Currency,
			BuyerID:        locked.BuyerID,
			SellerID:       locked.SellerID,
			WinnerID:       &winner,
			LoserID:        &loser,
			ResolutionKind: settled.kind,
			OccurredAt:     at,
		}); err != nil {
			return classify("enqueue settlement event", err)
		}
		return nil
	})
	if err != nil {
		return s.failure(disputeID, escrow, p.kind, err)
	}

	s.guard.Register(ctx, key)
	observability.IncrementSettlement(settlementLabel(settled.kind), "success")
	zap.L().Info("dispute resolved",
		zap.Int64("dispute_id", disputeID),
		zap.String("escrow_id", escrow.ID),
		zap.String("resolution_kind", settled.kind),
		zap.String("buyer_amount", settled.buyerAmount.String()),
		zap.String("seller_amount", settled.sellerAmount.String()),
		zap.String("retained_fees", settled.retained.String()),
		zap.String("currency", escrow.Currency),
		zap.Int64("admin_id", adminID),
	)

	winner, loser := settled.winnerID, settled.loserID
	return ResolutionResult{
		Success:        true,
		EscrowID:       escrow.ID,
		DisputeID:      disputeID,
		ResolutionKind: settled.kind,
		Amount:         settled.total(),
		BuyerAmount:    settled.buyerAmount,
		SellerAmount:   settled.sellerAmount,
		RetainedFees:   settled.retained,
		Currency:       escrow.Currency,
		WinnerID:       &winner,
		LoserID:        &loser,
	}
}

func (s *ResolutionService) leg(e *models.Escrow, disputeID int64, key, leg string, userID int64, amount decimal.Decimal, p resolutionPlan, at time.Time) Transfer {
	txType := domain.TxTypeSplitPayout
	switch p.target {
	case domain.EscrowRefunded:
		txType = domain.TxTypeRefund
	case domain.EscrowCompleted:
		if p.opType == opDisputeRelease {
			txType = domain.TxTypeEscrowRelease
		}
	}
	return Transfer{
		UserID:       userID,
		Amount:       amount,
		Currency:     e.Currency,
		EscrowID:     e.ID,
		DisputeID:    &disputeID,
		Type:         txType,
		Description:  fmt.Sprintf("dispute %d %s", disputeID, p.kind),
		OperationKey: key,
		Leg:          leg,
		At:           at,
	}
}

func (s *ResolutionService) failure(disputeID int64, e *models.Escrow, kind string, err error) ResolutionResult {
	errKind := KindOf(err)
	res := ResolutionResult{
		Success:        false,
		DisputeID:      disputeID,
		ResolutionKind: kind,
		ErrorKind:      errKind,
		ErrorMessage:   err.Error(),
		Err:            err,
	}
	if e != nil {
		res.EscrowID = e.ID
		res.Currency = e.Currency
	}
	observability.IncrementSettlement(settlementLabel(kind), string(errKind))

	fields := []zap.Field{
		zap.Error(err),
		zap.Int64("dispute_id", disputeID),
		zap.String("escrow_id", res.EscrowID),
		zap.String("resolution_kind", kind),
		zap.String("error_kind", string(errKind)),
	}
	if IsRetryable(err) {
		zap.L().Error("dispute resolution failed", fields...)
	} else {
		zap.L().Warn("dispute resolution rejected", fields...)
	}
	return res
}

func checkResolvable(e *models.Escrow) error {
	switch e.Status() {
	case domain.EscrowDisputed, domain.EscrowActive:
		return nil
	}
	return newError(KindInvalidState, "resolve dispute",
		fmt.Errorf("%w: escrow %s is %s", ErrEscrowNotResolvable, e.ID, e.Status()))
}

// settlementLabel folds split percentages into one metric label.
func settlementLabel(kind string) string {
	switch {
	case kind == "":
		return "unknown"
	case strings.HasPrefix(kind, domain.ResolutionSplitPrefix):
		return domain.ResolutionSplitPrefix
	}
	return kind
}
