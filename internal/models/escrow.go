package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

var ErrDisputeAlreadyResolved = errors.New("dispute already resolved")

// Escrow is one trade's custodial hold. Status is only reachable through TransitionTo.
type Escrow struct {
	ID               string          `json:"id"`
	BuyerID          int64           `json:"buyer_id"`
	SellerID         int64           `json:"seller_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	BuyerFee         decimal.Decimal `json:"buyer_fee_amount"`
	SellerFee        decimal.Decimal `json:"seller_fee_amount"`
	FeePolicy        string          `json:"fee_split_policy"`
	SellerAcceptedAt *time.Time      `json:"seller_accepted_at,omitempty"`
	PaymentDeadline  *time.Time      `json:"payment_deadline,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	AutoReleaseAt    *time.Time      `json:"auto_release_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	status domain.EscrowStatus
}

// NewEscrow returns an escrow awaiting its deposit.
func NewEscrow(e Escrow) *Escrow {
	e.Currency = domain.NormalizeCurrency(e.Currency)
	e.status = domain.EscrowPendingDeposit
	return &e
}

// RestoreEscrow rehydrates a persisted escrow row with its stored status.
func RestoreEscrow(e Escrow, status string) (*Escrow, error) {
	parsed, err := domain.ParseEscrowStatus(status)
	if err != nil {
		return nil, fmt.Errorf("restore escrow %s: %w", e.ID, err)
	}
	e.status = parsed
	return &e, nil
}

func (e *Escrow) Status() domain.EscrowStatus {
	return e.status
}

// TransitionTo moves the escrow to next if the state machine allows it.
// Entering a terminal status stamps ResolvedAt.
func (e *Escrow) TransitionTo(next domain.EscrowStatus, at time.Time) error {
	if err := domain.ValidateTransition(e.status, "", next); err != nil {
		return fmt.Errorf("escrow %s: %w", e.ID, err)
	}
	e.status = next
	e.UpdatedAt = at
	if next.IsTerminal() {
		resolved := at
		e.ResolvedAt = &resolved
	}
	return nil
}

// SellerAccepted reports whether the counterparty engaged with the trade.
func (e *Escrow) SellerAccepted() bool {
	return e.SellerAcceptedAt != nil
}

// FundedAmount is what the buyer paid in: the amount plus the buyer fee.
func (e *Escrow) FundedAmount() decimal.Decimal {
	return domain.RoundToMinor(e.Amount.Add(e.BuyerFee), e.Currency)
}

func (e *Escrow) FeeInput() domain.FeeInput {
	return domain.FeeInput{
		Amount:         e.Amount,
		BuyerFee:       e.BuyerFee,
		SellerFee:      e.SellerFee,
		Currency:       e.Currency,
		SellerAccepted: e.SellerAccepted(),
	}
}

func (e *Escrow) MarshalJSON() ([]byte, error) {
	type escrowJSON Escrow
	return json.Marshal(struct {
		*escrowJSON
		Status domain.EscrowStatus `json:"status"`
	}{escrowJSON: (*escrowJSON)(e), Status: e.status})
}

// Dispute is an open or resolved disagreement over one escrow.
type Dispute struct {
	ID             int64      `json:"id"`
	EscrowID       string     `json:"escrow_id"`
	InitiatorID    int64      `json:"initiator_id"`
	RespondentID   int64      `json:"respondent_id"`
	Reason         string     `json:"reason,omitempty"`
	ResolutionKind *string    `json:"resolution_kind,omitempty"`
	ResolvedBy     *int64     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	status string
}

// NewDispute returns an open dispute.
func NewDispute(d Dispute) *Dispute {
	d.status = domain.DisputeStatusOpen
	return &d
}

// RestoreDispute rehydrates a persisted dispute row.
func RestoreDispute(d Dispute, status string) (*Dispute, error) {
	switch status {
	case domain.DisputeStatusOpen, domain.DisputeStatusResolved:
	default:
		return nil, fmt.Errorf("restore dispute %d: unknown status %q", d.ID, status)
	}
	d.status = status
	return &d, nil
}

func (d *Dispute) Status() string {
	return d.status
}

func (d *Dispute) IsOpen() bool {
	return d.status == domain.DisputeStatusOpen
}

// Resolve records the outcome once; a resolved dispute cannot be resolved again.
func (d *Dispute) Resolve(kind string, adminID int64, at time.Time) error {
	if !d.IsOpen() {
		return fmt.Errorf("dispute %d: %w", d.ID, ErrDisputeAlreadyResolved)
	}
	if kind == "" {
		return fmt.Errorf("dispute %d: resolution kind is required", d.ID)
	}
	d.status = domain.DisputeStatusResolved
	d.ResolutionKind = &kind
	d.ResolvedBy = &adminID
	resolved := at
	d.ResolvedAt = &resolved
	return nil
}

func (d *Dispute) MarshalJSON() ([]byte, error) {
	type disputeJSON Dispute
	return json.Marshal(struct {
		*disputeJSON
		Status string `json:"status"`
	}{disputeJSON: (*disputeJSON)(d), Status: d.status})
}
