package service

import (
	"context"
	"errors"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
)

// Kind classifies settlement failures so callers can decide whether to retry.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidState    Kind = "invalid_state"
	KindInvalidInput    Kind = "invalid_input"
	KindTransferFailure Kind = "transfer_failure"
	KindInfraFailure    Kind = "infra_failure"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrDisputeNotOpen      = errors.New("dispute is not open")
	ErrEscrowNotResolvable = errors.New("escrow status does not allow resolution")
	ErrDuplicateOperation  = errors.New("operation already performed")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrOperationNotFound   = errors.New("pending operation not found")
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors are infrastructure failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, repository.ErrNoRows),
		errors.Is(err, ErrEscrowNotFound),
		errors.Is(err, ErrDisputeNotFound),
		errors.Is(err, ErrWalletNotFound),
		errors.Is(err, ErrOperationNotFound):
		return KindNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, models.ErrDisputeAlreadyResolved),
		errors.Is(err, ErrDisputeNotOpen),
		errors.Is(err, ErrEscrowNotResolvable),
		errors.Is(err, ErrDuplicateOperation):
		return KindInvalidState
	case errors.Is(err, domain.ErrInvalidSplit),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidCurrency):
		return KindInvalidInput
	case errors.Is(err, models.ErrInsufficientFunds):
		return KindTransferFailure
	}
	return KindInfraFailure
}

// IsRetryable reports whether a caller may retry the same operation later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindInfraFailure, KindTransferFailure:
		return true
	}
	return false
}

// transferError classifies a failure inside the fund transfer primitive. Lock
// waits and cancelled contexts stay infrastructure failures.
func transferError(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if repository.IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindInfraFailure, op, err)
	}
	return newError(KindTransferFailure, op, err)
}

// classify wraps err with its kind, leaving already classified errors alone.
func classify(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return newError(KindOf(err), op, err)
}
