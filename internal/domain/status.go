package domain

import (
	"errors"
	"fmt"
	"strings"
)

// EscrowStatus is the lifecycle state of an escrow.
type EscrowStatus string

const (
	EscrowPendingDeposit   EscrowStatus = "pending_deposit"
	EscrowActive           EscrowStatus = "active"
	EscrowDisputed         EscrowStatus = "disputed"
	EscrowCompleted        EscrowStatus = "completed"
	EscrowRefunded         EscrowStatus = "refunded"
	EscrowExpired          EscrowStatus = "expired"
	EscrowPaymentCancelled EscrowStatus = "payment_cancelled"
)

var ErrInvalidTransition = errors.New("invalid escrow state transition")

var escrowTransitions = map[EscrowStatus]map[EscrowStatus]struct{}{
	EscrowPendingDeposit: {
		EscrowActive:           {},
		EscrowPaymentCancelled: {},
	},
	EscrowActive: {
		EscrowDisputed:         {},
		EscrowExpired:          {},
		EscrowPaymentCancelled: {},
		EscrowCompleted:        {},
		EscrowRefunded:         {},
	},
	EscrowDisputed: {
		EscrowRefunded:  {},
		EscrowCompleted: {},
	},
	EscrowCompleted:        {},
	EscrowRefunded:         {},
	EscrowExpired:          {},
	EscrowPaymentCancelled: {},
}

// ParseEscrowStatus normalizes a stored status string.
func ParseEscrowStatus(raw string) (EscrowStatus, error) {
	status := EscrowStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := escrowTransitions[status]; !ok {
		return "", fmt.Errorf("unknown escrow status %q", raw)
	}
	return status, nil
}

// IsTerminal reports whether no further fund-moving transition is legal from s.
func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowCompleted, EscrowRefunded, EscrowExpired, EscrowPaymentCancelled:
		return true
	}
	return false
}

// CanTransition reports whether next is a legal successor of current.
func CanTransition(current, next EscrowStatus) bool {
	nextStates, ok := escrowTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// ValidateTransition returns ErrInvalidTransition wrapped with both states when the edge is illegal.
// A non-empty expected state must equal current.
func ValidateTransition(current, expected, next EscrowStatus) error {
	if expected != "" && current != expected {
		return fmt.Errorf("%w: expected %s but escrow is %s", ErrInvalidTransition, expected, current)
	}
	if !CanTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
