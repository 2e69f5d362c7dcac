package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides access to queries and transaction scoping over a pgx pool.
type Store struct {
	db          *pgxpool.Pool
	queries     *Queries
	lockTimeout time.Duration
}

// NewStore creates a store wrapper around a pgx connection pool. Row locks taken inside
// RunInTx wait at most lockTimeout before failing with ErrLockTimeout.
func NewStore(db *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{
		db:          db,
		queries:     New(db),
		lockTimeout: lockTimeout,
	}
}

// Queries returns the non-transactional query set.
func (s *Store) Queries() Querier {
	return s.queries
}

// Ping reports whether the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// RunInTx executes fn within a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		// SET LOCAL does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return mapLockError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapLockError(err))
	}
	return nil
}

func mapLockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable && !errors.Is(err, ErrLockTimeout) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return err
}
