package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settler runs escrow mutations under the escrow row lock. It is shared by dispute
// resolution and the reconciler sweeps so both go through the same primitives.
type Settler struct {
	store QueryStore
	audit *AuditService
	now   func() time.Time
}

func NewSettler(store QueryStore) *Settler {
	return &Settler{
		store: store,
		audit: NewAuditService(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithLockedEscrow opens a transaction, locks the escrow row and hands the freshly
// read escrow to fn. The status fn sees is the committed status after the lock was
// granted. The transaction commits only when fn returns nil; the lock is released
// either way.
func (s *Settler) WithLockedEscrow(ctx context.Context, escrowID string, fn func(qtx repository.Querier, e *models.Escrow) error) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		e, err := qtx.GetEscrowForUpdate(ctx, escrowID)
		if err != nil {
			if errors.Is(err, repository.ErrNoRows) {
				return newError(KindNotFound, "lock escrow", fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID))
			}
			return newError(KindInfraFailure, "lock escrow", err)
		}
		return fn(qtx, e)
	})
}

// persistTransition writes an escrow transition that e.TransitionTo already applied
// in memory. The update is a compare-and-set on prev, so a row changed behind the
// lock fails instead of being overwritten.
func (s *Settler) persistTransition(ctx context.Context, qtx repository.Querier, e *models.Escrow, prev domain.EscrowStatus, actorID *int64, action string, metadata any) error {
	rows, err := qtx.UpdateEscrowStatus(ctx, repository.UpdateEscrowStatusParams{
		ID:             e.ID,
		ExpectedStatus: prev,
		Status:         e.Status(),
		ResolvedAt:     e.ResolvedAt,
		UpdatedAt:      e.UpdatedAt,
	})
	if err != nil {
		return classify("update escrow status", err)
	}
	if rows != 1 {
		return newError(KindInvalidState, "update escrow status",
			fmt.Errorf("%w: escrow %s is no longer %s", domain.ErrInvalidTransition, e.ID, prev))
	}
	if err := s.audit.Write(ctx, qtx, AuditEntry{
		EntityType: entityEscrow,
		EntityID:   e.ID,
		ActorID:    actorID,
		Action:     action,
		PrevState:  string(prev),
		NextState:  string(e.Status()),
		Metadata:   metadata,
		At:         e.UpdatedAt,
	}); err != nil {
		return classify("audit escrow transition", err)
	}
	return nil
}

// transition validates next against the locked escrow's status. Failing here means a
// competing trigger already moved the escrow.
func (s *Settler) transition(e *models.Escrow, next domain.EscrowStatus, at time.Time) (domain.EscrowStatus, error) {
	prev := e.Status()
	if err := e.TransitionTo(next, at); err != nil {
		return prev, newError(KindInvalidState, "transition escrow", err)
	}
	return prev, nil
}

func (s *Settler) recordRevenue(ctx context.Context, qtx repository.Querier, e *models.Escrow, disputeID *int64, amount decimal.Decimal, source string, at time.Time) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := qtx.InsertPlatformRevenue(ctx, repository.InsertPlatformRevenueParams{
		ID:        uuid.New(),
		EscrowID:  e.ID,
		DisputeID: disputeID,
		Amount:    domain.RoundToMinor(amount, e.Currency),
		Currency:  e.Currency,
		Source:    source,
		CreatedAt: at,
	}); err != nil {
		return classify("record platform revenue", err)
	}
	return nil
}
