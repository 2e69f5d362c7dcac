package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process ledger store for development mode and tests.
// Row locks, lock timeouts, unique constraints and rollback follow the Postgres store.
// Uncommitted writes are visible to other transactions; only the row locks isolate them.
type MemoryStore struct {
	mu          sync.Mutex
	locks       *rowLocks
	lockTimeout time.Duration

	escrows       map[string]*models.Escrow
	disputes      map[int64]*models.Dispute
	nextDisputeID int64
	wallets       map[string]*models.Wallet
	transactions  []*models.Transaction
	idemKeys      map[string]uuid.UUID
	revenue       []models.PlatformRevenue
	operations    []*models.PendingOperation
	audit         []models.AuditEntry
	nextAuditID   int64
	outbox        []*models.OutboxEvent
	deposits      []*models.DepositNotification
}

// NewMemoryStore creates an empty store. Lock waits inside RunInTx give up after lockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &MemoryStore{
		locks:       newRowLocks(),
		lockTimeout: lockTimeout,
		escrows:     make(map[string]*models.Escrow),
		disputes:    make(map[int64]*models.Dispute),
		wallets:     make(map[string]*models.Wallet),
		idemKeys:    make(map[string]uuid.UUID),
	}
}

// Queries returns a query set whose row locks last only for the call.
func (s *MemoryStore) Queries() Querier {
	return &memQueries{s: s}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// RunInTx runs fn holding every row lock it takes until fn returns. A non-nil error
// undoes all of fn's writes in reverse order.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &memTx{held: make(map[string]struct{})}
	defer tx.release(s.locks)

	if err := fn(&memQueries{s: s, tx: tx}); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type rowLocks struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{rows: make(map[string]chan struct{})}
}

func (l *rowLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		l.rows[key] = ch
	}
	return ch
}

func (l *rowLocks) lock(ctx context.Context, key string) error {
	select {
	case <-l.slot(key):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *rowLocks) tryLock(key string) bool {
	select {
	case <-l.slot(key):
		return true
	default:
		return false
	}
}

func (l *rowLocks) unlock(key string) {
	l.slot(key) <- struct{}{}
}

type memTx struct {
	held map[string]struct{}
	undo []func()
}

func (tx *memTx) release(locks *rowLocks) {
	for key := range tx.held {
		locks.unlock(key)
	}
}

type memQueries struct {
	s  *MemoryStore
	tx *memTx
}

var _ Querier = (*memQueries)(nil)

func escrowKey(id string) string               { return "escrow:" + id }
func disputeKey(id int64) string               { return fmt.Sprintf("dispute:%d", id) }
func walletKey(userID int64, cur string) string { return fmt.Sprintf("wallet:%d:%s", userID, cur) }
func operationKey(id uuid.UUID) string         { return "operation:" + id.String() }
func transactionKey(id uuid.UUID) string       { return "transaction:" + id.String() }
func outboxKey(id uuid.UUID) string            { return "outbox:" + id.String() }

// lockRow blocks until the row is free. Inside a transaction the lock is kept until
// the transaction ends; outside it is released immediately.
func (q *memQueries) lockRow(ctx context.Context, key string) error {
	if q.tx != nil {
		if _, ok := q.tx.held[key]; ok {
			return nil
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, q.s.lockTimeout)
	defer cancel()
	if err := q.s.locks.lock(waitCtx, key); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	if q.tx == nil {
		q.s.locks.unlock(key)
		return nil
	}
	q.tx.held[key] = struct{}{}
	return nil
}

// tryLockRow takes the row lock without waiting, for SKIP LOCKED claims.
func (q *memQueries) tryLockRow(key string) bool {
	if q.tx != nil {
		if _, ok := q.tx.held[key]; ok {
			return true
		}
	}
	if !q.s.locks.tryLock(key) {
		return false
	}
	if q.tx == nil {
		q.s.locks.unlock(key)
		return true
	}
	q.tx.held[key] = struct{}{}
	return true
}

// onRollback registers an undo step; callers hold s.mu.
func (q *memQueries) onRollback(fn func()) {
	if q.tx != nil {
		q.tx.undo = append(q.tx.undo, fn)
	}
}

func copyEscrow(e *models.Escrow) *models.Escrow {
	cp := *e
	return &cp
}

func copyDispute(d *models.Dispute) *models.Dispute {
	cp := *d
	return &cp
}

func (q *memQueries) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if _, ok := q.s.escrows[e.ID]; ok {
		return uniqueViolation("escrows_pkey")
	}
	stored := copyEscrow(e)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = stored.CreatedAt
	q.s.escrows[e.ID] = stored
	q.onRollback(func() { delete(q.s.escrows, e.ID) })
	return nil
}

func (q *memQueries) GetEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	e, ok := q.s.escrows[id]
	if !ok {
		return nil, ErrNoRows
	}
	return copyEscrow(e), nil
}

func (q *memQueries) GetEscrowForUpdate(ctx context.Context, id string) (*models.Escrow, error) {
	if err := q.lockRow(ctx, escrowKey(id)); err != nil {
		return nil, err
	}
	return q.GetEscrow(ctx, id)
}

func (q *memQueries) UpdateEscrowStatus(ctx context.Context, arg UpdateEscrowStatusParams) (int64, error) {
	if err := q.lockRow(ctx, escrowKey(arg.ID)); err != nil {
		return 0, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	prev, ok := q.s.escrows[arg.ID]
	if !ok || prev.Status() != arg.ExpectedStatus {
		return 0, nil
	}
	next := *prev
	if arg.ResolvedAt != nil {
		next.ResolvedAt = arg.ResolvedAt
	}
	next.UpdatedAt = arg.UpdatedAt
	updated, err := models.RestoreEscrow(next, string(arg.Status))
	if err != nil {
		return 0, err
	}
	q.s.escrows[arg.ID] = updated
	q.onRollback(func() { q.s.escrows[arg.ID] = prev })
	return 1, nil
}

func (q *memQueries) ListEscrowsAwaitingDeposit(ctx context.Context, limit int32) ([]*models.Escrow, error) {
	return q.filterEscrows(limit, func(e *models.Escrow) bool {
		return e.Status() == domain.EscrowPendingDeposit
	}, func(e *models.Escrow) time.Time { return e.CreatedAt }), nil
}

func (q *memQueries) ListExpiredEscrows(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error) {
	return q.filterEscrows(arg.Limit, func(e *models.Escrow) bool {
		if e.Status() != domain.EscrowActive || e.SellerAcceptedAt != nil || e.ExpiresAt == nil || !e.ExpiresAt.Before(arg.Before) {
			return false
		}
		return q.openDisputeLocked(e.ID) == nil
	}, func(e *models.Escrow) time.Time { return *e.ExpiresAt }), nil
}

func (q *memQueries) ListPaymentTimeouts(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error) {
	return q.filterEscrows(arg.Limit, func(e *models.Escrow) bool {
		return e.Status() == domain.EscrowPendingDeposit && e.PaymentDeadline != nil && e.PaymentDeadline.Before(arg.Before)
	}, func(e *models.Escrow) time.Time { return *e.PaymentDeadline }), nil
}

func (q *memQueries) ListAutoReleaseDue(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error) {
	return q.filterEscrows(arg.Limit, func(e *models.Escrow) bool {
		if e.Status() != domain.EscrowActive || e.SellerAcceptedAt == nil || e.AutoReleaseAt == nil || !e.AutoReleaseAt.Before(arg.Before) {
			return false
		}
		return q.openDisputeLocked(e.ID) == nil
	}, func(e *models.Escrow) time.Time { return *e.AutoReleaseAt }), nil
}

func (q *memQueries) filterEscrows(limit int32, keep func(*models.Escrow) bool, orderBy func(*models.Escrow) time.Time) []*models.Escrow {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var out []*models.Escrow
	for _, e := range q.s.escrows {
		if keep(e) {
			out = append(out, copyEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := orderBy(out[i]), orderBy(out[j])
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(tj)
	})
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out
}

func (q *memQueries) CreateDispute(ctx context.Context, d *models.Dispute) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if _, ok := q.s.escrows[d.EscrowID]; !ok {
		return fmt.Errorf("insert dispute: escrow %s does not exist", d.EscrowID)
	}
	if d.IsOpen() && q.openDisputeLocked(d.EscrowID) != nil {
		return uniqueViolation("uq_disputes_one_open_per_escrow")
	}
	q.s.nextDisputeID++
	d.ID = q.s.nextDisputeID
	stored := copyDispute(d)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	q.s.disputes[d.ID] = stored
	id := d.ID
	q.onRollback(func() { delete(q.s.disputes, id) })
	return nil
}

// openDisputeLocked requires s.mu.
func (q *memQueries) openDisputeLocked(escrowID string) *models.Dispute {
	for _, d := range q.s.disputes {
		if d.EscrowID == escrowID && d.IsOpen() {
			return d
		}
	}
	return nil
}

func (q *memQueries) GetDispute(ctx context.Context, id int64) (*models.Dispute, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	d, ok := q.s.disputes[id]
	if !ok {
		return nil, ErrNoRows
	}
	return copyDispute(d), nil
}

func (q *memQueries) GetDisputeForUpdate(ctx context.Context, id int64) (*models.Dispute, error) {
	if err := q.lockRow(ctx, disputeKey(id)); err != nil {
		return nil, err
	}
	return q.GetDispute(ctx, id)
}

func (q *memQueries) GetOpenDisputeByEscrow(ctx context.Context, escrowID string) (*models.Dispute, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	d := q.openDisputeLocked(escrowID)
	if d == nil {
		return nil, ErrNoRows
	}
	return copyDispute(d), nil
}

func (q *memQueries) ResolveDispute(ctx context.Context, arg ResolveDisputeParams) (int64, error) {
	if err := q.lockRow(ctx, disputeKey(arg.ID)); err != nil {
		return 0, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	prev, ok := q.s.disputes[arg.ID]
	if !ok || !prev.IsOpen() {
		return 0, nil
	}
	next := copyDispute(prev)
	if err := next.Resolve(arg.ResolutionKind, arg.ResolvedBy, arg.ResolvedAt); err != nil {
		return 0, err
	}
	q.s.disputes[arg.ID] = next
	q.onRollback(func() { q.s.disputes[arg.ID] = prev })
	return 1, nil
}

func (q *memQueries) EnsureWallet(ctx context.Context, userID int64, currency string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	key := walletKey(userID, currency)
	if _, ok := q.s.wallets[key]; ok {
		return nil
	}
	q.s.wallets[key] = &models.Wallet{
		UserID:    userID,
		Currency:  currency,
		Available: decimal.Zero,
		Reserved:  decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}
	q.onRollback(func() { delete(q.s.wallets, key) })
	return nil
}

func (q *memQueries) GetWallet(ctx context.Context, userID int64, currency string) (models.Wallet, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	w, ok := q.s.wallets[walletKey(userID, currency)]
	if !ok {
		return models.Wallet{}, ErrNoRows
	}
	return *w, nil
}

func (q *memQueries) GetWalletForUpdate(ctx context.Context, userID int64, currency string) (models.Wallet, error) {
	if err := q.lockRow(ctx, walletKey(userID, currency)); err != nil {
		return models.Wallet{}, err
	}
	return q.GetWallet(ctx, userID, currency)
}

func (q *memQueries) AdjustWallet(ctx context.Context, arg AdjustWalletParams) (int64, error) {
	key := walletKey(arg.UserID, arg.Currency)
	if err := q.lockRow(ctx, key); err != nil {
		return 0, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	prev, ok := q.s.wallets[key]
	if !ok {
		return 0, nil
	}
	next := *prev
	next.Available = prev.Available.Add(arg.AvailableDelta)
	next.Reserved = prev.Reserved.Add(arg.ReservedDelta)
	if next.Available.IsNegative() || next.Reserved.IsNegative() {
		return 0, nil
	}
	next.UpdatedAt = arg.UpdatedAt
	q.s.wallets[key] = &next
	q.onRollback(func() { q.s.wallets[key] = prev })
	return 1, nil
}

func (q *memQueries) ListReservedMismatches(ctx context.Context) ([]models.ReservedMismatch, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	pending := make(map[string]decimal.Decimal)
	for _, op := range q.s.operations {
		if isLiveOperation(op.Status) {
			key := walletKey(op.UserID, op.Currency)
			pending[key] = pending[key].Add(op.Amount)
		}
	}
	var out []models.ReservedMismatch
	for key, w := range q.s.wallets {
		sum := pending[key]
		if !w.Reserved.Equal(sum) {
			out = append(out, models.ReservedMismatch{UserID: w.UserID, Currency: w.Currency, Reserved: w.Reserved, Pending: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].Currency < out[j].Currency
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func isLiveOperation(status string) bool {
	return status == domain.OperationStatusPending || status == domain.OperationStatusProcessing
}

func (q *memQueries) InsertTransaction(ctx context.Context, arg InsertTransactionParams) (models.Transaction, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if _, ok := q.s.idemKeys[arg.IdempotencyKey]; ok {
		return models.Transaction{}, uniqueViolation("uq_transactions_idempotency_key")
	}
	t := &models.Transaction{
		ID:             arg.ID,
		UserID:         arg.UserID,
		Type:           arg.Type,
		Direction:      arg.Direction,
		Amount:         arg.Amount,
		Currency:       arg.Currency,
		EscrowID:       arg.EscrowID,
		DisputeID:      arg.DisputeID,
		Status:         arg.Status,
		IdempotencyKey: arg.IdempotencyKey,
		OperationKey:   arg.OperationKey,
		Description:    arg.Description,
		CreatedAt:      arg.CreatedAt,
		CompletedAt:    arg.CompletedAt,
	}
	q.s.transactions = append(q.s.transactions, t)
	q.s.idemKeys[arg.IdempotencyKey] = arg.ID
	q.onRollback(func() {
		delete(q.s.idemKeys, arg.IdempotencyKey)
		q.s.transactions = removeByID(q.s.transactions, func(x *models.Transaction) bool { return x.ID == arg.ID })
	})
	return *t, nil
}

func removeByID[T any](items []*T, match func(*T) bool) []*T {
	out := items[:0]
	for _, item := range items {
		if !match(item) {
			out = append(out, item)
		}
	}
	return out
}

func (q *memQueries) findTransactionLocked(id uuid.UUID) (int, *models.Transaction) {
	for i, t := range q.s.transactions {
		if t.ID == id {
			return i, t
		}
	}
	return -1, nil
}

func (q *memQueries) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	_, t := q.findTransactionLocked(id)
	if t == nil {
		return models.Transaction{}, ErrNoRows
	}
	return *t, nil
}

func (q *memQueries) UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) (int64, error) {
	if err := q.lockRow(ctx, transactionKey(arg.ID)); err != nil {
		return 0, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	i, prev := q.findTransactionLocked(arg.ID)
	if prev == nil || prev.Status != arg.ExpectedStatus {
		return 0, nil
	}
	next := *prev
	next.Status = arg.Status
	at := arg.At
	switch arg.Status {
	case domain.TxStatusCompleted:
		next.CompletedAt = &at
	case domain.TxStatusFailed:
		next.FailedAt = &at
	}
	q.s.transactions[i] = &next
	q.onRollback(func() {
		if j, _ := q.findTransactionLocked(arg.ID); j >= 0 {
			q.s.transactions[j] = prev
		}
	})
	return 1, nil
}

func (q *memQueries) OperationKeyExists(ctx context.Context, arg OperationKeyExistsParams) (bool, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for _, t := range q.s.transactions {
		if t.OperationKey == arg.OperationKey && !t.CreatedAt.Before(arg.Since) {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueries) HasCompletedDeposit(ctx context.Context, escrowID string) (bool, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for _, t := range q.s.transactions {
		if t.EscrowID != nil && *t.EscrowID == escrowID && t.Type == domain.TxTypeEscrowDeposit && t.Status == domain.TxStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueries) ListTransactionsByEscrow(ctx context.Context, escrowID string) ([]models.Transaction, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var out []models.Transaction
	for _, t := range q.s.transactions {
		if t.EscrowID != nil && *t.EscrowID == escrowID {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *memQueries) ListOrphanedDebits(ctx context.Context, arg ListOrphanedDebitsParams) ([]models.Transaction, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	live := make(map[uuid.UUID]struct{})
	for _, op := range q.s.operations {
		if isLiveOperation(op.Status) {
			live[op.TransactionID] = struct{}{}
		}
	}
	var out []models.Transaction
	for _, t := range q.s.transactions {
		if t.Direction != domain.DirectionDebit || t.Status != domain.TxStatusPending || !t.CreatedAt.Before(arg.Before) {
			continue
		}
		if _, ok := live[t.ID]; ok {
			continue
		}
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if arg.Limit > 0 && int(arg.Limit) < len(out) {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (q *memQueries) InsertPlatformRevenue(ctx context.Context, arg InsertPlatformRevenueParams) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.revenue = append(q.s.revenue, models.PlatformRevenue{
		ID:        arg.ID,
		EscrowID:  arg.EscrowID,
		DisputeID: arg.DisputeID,
		Amount:    arg.Amount,
		Currency:  arg.Currency,
		Source:    arg.Source,
		CreatedAt: arg.CreatedAt,
	})
	q.onRollback(func() {
		out := q.s.revenue[:0]
		for _, r := range q.s.revenue {
			if r.ID != arg.ID {
				out = append(out, r)
			}
		}
		q.s.revenue = out
	})
	return nil
}

func (q *memQueries) ListPlatformRevenueByEscrow(ctx context.Context, escrowID string) ([]models.PlatformRevenue, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var out []models.PlatformRevenue
	for _, r := range q.s.revenue {
		if r.EscrowID == escrowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *memQueries) InsertPendingOperation(ctx context.Context, arg InsertPendingOperationParams) (models.PendingOperation, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if _, t := q.findTransactionLocked(arg.TransactionID); t == nil {
		return models.PendingOperation{}, fmt.Errorf("insert pending operation: transaction %s does not exist", arg.TransactionID)
	}
	op := &models.PendingOperation{
		ID:            arg.ID,
		Kind:          arg.Kind,
		UserID:        arg.UserID,
		Amount:        arg.Amount,
		Currency:      arg.Currency,
		Status:        domain.OperationStatusPending,
		TransactionID: arg.TransactionID,
		Destination:   arg.Destination,
		CreatedAt:     arg.CreatedAt,
		UpdatedAt:     arg.CreatedAt,
	}
	q.s.operations = append(q.s.operations, op)
	q.onRollback(func() {
		q.s.operations = removeByID(q.s.operations, func(x *models.PendingOperation) bool { return x.ID == arg.ID })
	})
	return *op, nil
}

func (q *memQueries) findOperationLocked(id uuid.UUID) (int, *models.PendingOperation) {
	for i, op := range q.s.operations {
		if op.ID == id {
			return i, op
		}
	}
	return -1, nil
}

func (q *memQueries) GetPendingOperation(ctx context.Context, id uuid.UUID) (models.PendingOperation, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	_, op := q.findOperationLocked(id)
	if op == nil {
		return models.PendingOperation{}, ErrNoRows
	}
	return *op, nil
}

func (q *memQueries) GetPendingOperationForUpdate(ctx context.Context, id uuid.UUID) (models.PendingOperation, error) {
	if err := q.lockRow(ctx, operationKey(id)); err != nil {
		return models.PendingOperation{}, err
	}
	return q.GetPendingOperation(ctx, id)
}

func (q *memQueries) ClaimPendingOperations(ctx context.Context, arg ClaimPendingOperationsParams) ([]models.PendingOperation, error) {
	q.s.mu.Lock()
	candidates := make([]models.PendingOperation, 0)
	for _, op := range q.s.operations {
		if op.Status == domain.OperationStatusPending && op.Kind == arg.Kind {
			candidates = append(candidates, *op)
		}
	}
	q.s.mu.Unlock()
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	var out []models.PendingOperation
	for _, op := range candidates {
		if arg.Limit > 0 && len(out) >= int(arg.Limit) {
			break
		}
		if q.tryLockRow(operationKey(op.ID)) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (q *memQueries) UpdatePendingOperationStatus(ctx context.Context, arg UpdatePendingOperationStatusParams) (int64, error) {
	if err := q.lockRow(ctx, operationKey(arg.ID)); err != nil {
		return 0, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	i, prev := q.findOperationLocked(arg.ID)
	if prev == nil || prev.Status != arg.ExpectedStatus {
		return 0, nil
	}
	next := *prev
	next.Status = arg.Status
	if arg.GatewayRef != nil {
		next.GatewayRef = arg.GatewayRef
	}
	next.UpdatedAt = arg.UpdatedAt
	q.s.operations[i] = &next
	q.onRollback(func() {
		if j, _ := q.findOperationLocked(arg.ID); j >= 0 {
			q.s.operations[j] = prev
		}
	})
	return 1, nil
}

func (q *memQueries) ListStalePendingOperations(ctx context.Context, arg ListStalePendingOperationsParams) ([]models.PendingOperation, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var out []models.PendingOperation
	for _, op := range q.s.operations {
		if isLiveOperation(op.Status) && op.UpdatedAt.Before(arg.Before) {
			out = append(out, *op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if arg.Limit > 0 && int(arg.Limit) < len(out) {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (q *memQueries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.nextAuditID++
	id := q.s.nextAuditID
	q.s.audit = append(q.s.audit, models.AuditEntry{
		ID:         id,
		EntityType: arg.EntityType,
		EntityID:   arg.EntityID,
		ActorID:    arg.ActorID,
		Action:     arg.Action,
		PrevState:  arg.PrevState,
		NextState:  arg.NextState,
		Metadata:   arg.Metadata,
		CreatedAt:  arg.CreatedAt,
	})
	q.onRollback(func() {
		out := q.s.audit[:0]
		for _, a := range q.s.audit {
			if a.ID != id {
				out = append(out, a)
			}
		}
		q.s.audit = out
	})
	return nil
}

func (q *memQueries) ListAuditLog(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var out []models.AuditEntry
	for _, a := range q.s.audit {
		if a.EntityType == entityType && a.EntityID == entityID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (q *memQueries) InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.outbox = append(q.s.outbox, &models.OutboxEvent{
		ID:          arg.ID,
		EventType:   arg.EventType,
		AggregateID: arg.AggregateID,
		Payload:     arg.Payload,
		CreatedAt:   arg.CreatedAt,
	})
	q.onRollback(func() {
		q.s.outbox = removeByID(q.s.outbox, func(x *models.OutboxEvent) bool { return x.ID == arg.ID })
	})
	return nil
}

func (q *memQueries) ClaimOutboxEvents(ctx context.Context, limit int32) ([]models.OutboxEvent, error) {
	q.s.mu.Lock()
	var candidates []models.OutboxEvent
	for _, ev := range q.s.outbox {
		if ev.PublishedAt == nil {
			candidates = append(candidates, *ev)
		}
	}
	q.s.mu.Unlock()
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	var out []models.OutboxEvent
	for _, ev := range candidates {
		if limit > 0 && len(out) >= int(limit) {
			break
		}
		if q.tryLockRow(outboxKey(ev.ID)) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (q *memQueries) updateOutbox(ctx context.Context, id uuid.UUID, apply func(*models.OutboxEvent)) (int64, error) {
	if err := q.lockRow(ctx, outboxKey(id)); err != nil {
		return 0, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for i, ev := range q.s.outbox {
		if ev.ID != id || ev.PublishedAt != nil {
			continue
		}
		prev := ev
		next := *ev
		apply(&next)
		q.s.outbox[i] = &next
		q.onRollback(func() {
			for j, cur := range q.s.outbox {
				if cur.ID == id {
					q.s.outbox[j] = prev
				}
			}
		})
		return 1, nil
	}
	return 0, nil
}

func (q *memQueries) MarkOutboxEventPublished(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	return q.updateOutbox(ctx, id, func(ev *models.OutboxEvent) {
		published := at
		ev.PublishedAt = &published
		ev.Attempts++
	})
}

func (q *memQueries) MarkOutboxEventFailed(ctx context.Context, id uuid.UUID, lastError string) (int64, error) {
	return q.updateOutbox(ctx, id, func(ev *models.OutboxEvent) {
		msg := lastError
		ev.LastError = &msg
		ev.Attempts++
	})
}

func (q *memQueries) InsertDepositNotification(ctx context.Context, arg InsertDepositNotificationParams) (models.DepositNotification, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if _, ok := q.s.escrows[arg.EscrowID]; !ok {
		return models.DepositNotification{}, fmt.Errorf("insert deposit notification: escrow %s does not exist", arg.EscrowID)
	}
	for _, d := range q.s.deposits {
		if d.Reference == arg.Reference {
			return models.DepositNotification{}, uniqueViolation("deposit_notifications_reference_key")
		}
	}
	d := &models.DepositNotification{
		ID:         arg.ID,
		EscrowID:   arg.EscrowID,
		Reference:  arg.Reference,
		Amount:     arg.Amount,
		Currency:   arg.Currency,
		ReceivedAt: arg.ReceivedAt,
	}
	q.s.deposits = append(q.s.deposits, d)
	q.onRollback(func() {
		q.s.deposits = removeByID(q.s.deposits, func(x *models.DepositNotification) bool { return x.ID == arg.ID })
	})
	return *d, nil
}

func (q *memQueries) GetDepositNotificationByReference(ctx context.Context, reference string) (models.DepositNotification, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for _, d := range q.s.deposits {
		if d.Reference == reference {
			return *d, nil
		}
	}
	return models.DepositNotification{}, ErrNoRows
}

func (q *memQueries) ListDepositNotificationsByEscrow(ctx context.Context, escrowID string) ([]models.DepositNotification, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var out []models.DepositNotification
	for _, d := range q.s.deposits {
		if d.EscrowID == escrowID {
			out = append(out, *d)
		}
	}
	return out, nil
}
