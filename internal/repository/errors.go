package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoRows is returned by both stores when a single-row lookup finds nothing.
var ErrNoRows = pgx.ErrNoRows

// ErrLockTimeout means a row lock could not be acquired within the configured lock timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// IsRetryable reports whether err is a transient lock or serialization failure.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{
		Code:           pgUniqueViolation,
		Message:        "duplicate key value violates unique constraint \"" + constraint + "\"",
		ConstraintName: constraint,
	}
}
