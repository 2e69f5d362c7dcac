package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Finding categories.
const (
	CategoryStaleOperation   = "stale_operation"
	CategoryReservedMismatch = "reserved_mismatch"
	CategoryOrphanedDebit    = "orphaned_debit"
)

// Finding is one anomaly. Amount is the affected amount in Currency.
type Finding struct {
	Category      string          `json:"category"`
	Severity      Severity        `json:"severity"`
	UserID        int64           `json:"user_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	OperationID   *uuid.UUID      `json:"operation_id,omitempty"`
	TransactionID *uuid.UUID      `json:"transaction_id,omitempty"`
	Status        string          `json:"status,omitempty"`
	AgeSeconds    int64           `json:"age_seconds,omitempty"`
	AutoCleanable bool            `json:"auto_cleanable"`
	Detail        string          `json:"detail"`

	age time.Duration
}

// LockedFundsReport is the read-only result of one audit.
type LockedFundsReport struct {
	GeneratedAt        time.Time                  `json:"generated_at"`
	Severity           Severity                   `json:"severity"`
	StaleOperations    []Finding                  `json:"stale_operations"`
	ReservedMismatches []Finding                  `json:"reserved_mismatches"`
	OrphanedDebits     []Finding                  `json:"orphaned_debits"`
	AffectedByCurrency map[string]decimal.Decimal `json:"affected_by_currency"`
	RecommendedActions []string                   `json:"recommended_actions"`
}

// Count is the total number of findings.
func (r LockedFundsReport) Count() int {
	return len(r.StaleOperations) + len(r.ReservedMismatches) + len(r.OrphanedDebits)
}

// CleanupResult reports what gated cleanup released.
type CleanupResult struct {
	Released       int                        `json:"released"`
	Skipped        int                        `json:"skipped"`
	Failed         int                        `json:"failed"`
	ReleasedAmount map[string]decimal.Decimal `json:"released_amount"`
	Severity       Severity                   `json:"severity"`
}

type LockedFundsConfig struct {
	// StaleAfter is how long an operation may stay pending before it is reported.
	StaleAfter time.Duration
	// AutoCleanupMaxAmount is the ceiling for automatic release.
	AutoCleanupMaxAmount decimal.Decimal
	// AutoCleanupMinAge is how long a stale operation must be stuck before automatic release.
	AutoCleanupMinAge time.Duration
	// HighSeverityAmount marks any single finding at or above it as high severity.
	HighSeverityAmount decimal.Decimal
	BatchSize          int32
}

// LockedFundsService finds reserved funds with no live operation behind them and
// releases the safest cases.
type LockedFundsService struct {
	store QueryStore
	audit *AuditService
	cfg   LockedFundsConfig
	now   func() time.Time
}

func NewLockedFundsService(store QueryStore, cfg LockedFundsConfig) *LockedFundsService {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.AutoCleanupMinAge <= 0 {
		cfg.AutoCleanupMinAge = 24 * time.Hour
	}
	if cfg.AutoCleanupMaxAmount.IsNegative() {
		cfg.AutoCleanupMaxAmount = decimal.Zero
	}
	if !cfg.HighSeverityAmount.IsPositive() {
		cfg.HighSeverityAmount = decimal.NewFromInt(1000)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &LockedFundsService{
		store: store,
		audit: NewAuditService(),
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Detect runs the read-only audit.
func (s *LockedFundsService) Detect(ctx context.Context) (LockedFundsReport, error) {
	now := s.now()
	q := s.store.Queries()
	report := LockedFundsReport{
		GeneratedAt:        now,
		StaleOperations:    []Finding{},
		ReservedMismatches: []Finding{},
		OrphanedDebits:     []Finding{},
		AffectedByCurrency: map[string]decimal.Decimal{},
	}

	mismatches, err := q.ListReservedMismatches(ctx)
	if err != nil {
		return report, classify("list reserved mismatches", err)
	}
	inconsistent := make(map[string]struct{}, len(mismatches))
	for _, m := range mismatches {
		inconsistent[walletRef(m.UserID, m.Currency)] = struct{}{}
		report.ReservedMismatches = append(report.ReservedMismatches, s.mismatchFinding(m))
	}

	stale, err := q.ListStalePendingOperations(ctx, repository.ListStalePendingOperationsParams{
		Before: now.Add(-s.cfg.StaleAfter),
		Limit:  s.cfg.BatchSize,
	})
	if err != nil {
		return report, classify("list stale operations", err)
	}
	for _, op := range stale {
		f := s.staleFinding(op, now)
		_, walletInconsistent := inconsistent[walletRef(op.UserID, op.Currency)]
		f.AutoCleanable = s.autoCleanable(f, walletInconsistent)
		report.StaleOperations = append(report.StaleOperations, f)
	}

	orphans, err := q.ListOrphanedDebits(ctx, repository.ListOrphanedDebitsParams{
		Before: now.Add(-s.cfg.StaleAfter),
		Limit:  s.cfg.BatchSize,
	})
	if err != nil {
		return report, classify("list orphaned debits", err)
	}
	for _, t := range orphans {
		report.OrphanedDebits = append(report.OrphanedDebits, s.orphanFinding(t, now))
	}

	s.summarize(&report)
	s.publishMetrics(report)
	if report.Severity != SeverityNone {
		zap.L().Warn("locked funds detected",
			zap.String("severity", string(report.Severity)),
			zap.Int("stale_operations", len(report.StaleOperations)),
			zap.Int("reserved_mismatches", len(report.ReservedMismatches)),
			zap.Int("orphaned_debits", len(report.OrphanedDebits)),
		)
	}
	return report, nil
}

// Cleanup releases stale pending operations that pass every gate: the safest
// category, below the amount ceiling, stuck past the minimum age and not high
// severity. Everything else stays for manual action.
func (s *LockedFundsService) Cleanup(ctx context.Context) (CleanupResult, error) {
	report, err := s.Detect(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	result := CleanupResult{ReleasedAmount: map[string]decimal.Decimal{}, Severity: report.Severity}
	for _, f := range report.StaleOperations {
		if !f.AutoCleanable {
			result.Skipped++
			observability.IncrementLockedFundsCleanup("skipped")
			continue
		}
		released, err := s.release(ctx, *f.OperationID)
		switch {
		case err != nil:
			result.Failed++
			observability.IncrementLockedFundsCleanup("failed")
			zap.L().Error("locked funds cleanup failed", zap.Error(err), zap.String("operation_id", f.OperationID.String()))
		case !released:
			result.Skipped++
			observability.IncrementLockedFundsCleanup("skipped")
		default:
			result.Released++
			result.ReleasedAmount[f.Currency] = result.ReleasedAmount[f.Currency].Add(f.Amount)
			observability.IncrementLockedFundsCleanup("released")
			zap.L().Info("locked funds released",
				zap.String("operation_id", f.OperationID.String()),
				zap.Int64("user_id", f.UserID),
				zap.String("amount", f.Amount.String()),
				zap.String("currency", f.Currency),
			)
		}
	}
	return result, nil
}

// release re-checks the gates under the operation row lock and returns the
// reservation to the available balance.
func (s *LockedFundsService) release(ctx context.Context, opID uuid.UUID) (bool, error) {
	released := false
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		op, err := qtx.GetPendingOperationForUpdate(ctx, opID)
		if err != nil {
			return classify("lock pending operation", err)
		}
		now := s.now()
		f := s.staleFinding(op, now)
		if op.Status != domain.OperationStatusPending || f.age < s.cfg.StaleAfter {
			return nil
		}
		inconsistent, err := walletInconsistent(ctx, qtx, op.UserID, op.Currency)
		if err != nil {
			return err
		}
		if !s.autoCleanable(f, inconsistent) {
			return nil
		}

		if err := ReleaseReservation(ctx, qtx, op.UserID, op.Currency, op.Amount, now); err != nil {
			return err
		}
		meta := map[string]string{"reason": "stale pending operation", "amount": op.Amount.String()}
		if err := transitionOperationState(ctx, qtx, s.audit, op.ID, op.Status, domain.OperationStatusReleased, nil, nil, "auto_cleanup", meta, now); err != nil {
			return classify("release pending operation", err)
		}
		if err := transitionTransactionState(ctx, qtx, s.audit, op.TransactionID, domain.TxStatusFailed, nil, domain.EventLockedFundsReleased, meta, now); err != nil {
			return classify("fail reserved transaction", err)
		}
		if err := enqueueOutbox(ctx, qtx, uuid.New(), domain.EventLockedFundsReleased, op.ID.String(), map[string]any{
			"operation_id": op.ID,
			"user_id":      op.UserID,
			"amount":       op.Amount,
			"currency":     op.Currency,
			"occurred_at":  now,
		}, now); err != nil {
			return classify("enqueue cleanup event", err)
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// walletInconsistent reports whether the wallet's reserved balance currently
// disagrees with its live operations.
func walletInconsistent(ctx context.Context, qtx repository.Querier, userID int64, currency string) (bool, error) {
	mismatches, err := qtx.ListReservedMismatches(ctx)
	if err != nil {
		return false, classify("list reserved mismatches", err)
	}
	ref := walletRef(userID, currency)
	for _, m := range mismatches {
		if walletRef(m.UserID, m.Currency) == ref {
			return true, nil
		}
	}
	return false, nil
}

func (s *LockedFundsService) autoCleanable(f Finding, walletInconsistent bool) bool {
	return f.Category == CategoryStaleOperation &&
		f.Status == domain.OperationStatusPending &&
		!walletInconsistent &&
		f.Amount.LessThanOrEqual(s.cfg.AutoCleanupMaxAmount) &&
		f.age >= s.cfg.AutoCleanupMinAge &&
		severityRank[f.Severity] < severityRank[SeverityHigh]
}

func (s *LockedFundsService) staleFinding(op models.PendingOperation, now time.Time) Finding {
	id, txID := op.ID, op.TransactionID
	age := now.Sub(op.UpdatedAt)
	f := Finding{
		Category:      CategoryStaleOperation,
		UserID:        op.UserID,
		Currency:      op.Currency,
		Amount:        op.Amount,
		OperationID:   &id,
		TransactionID: &txID,
		Status:        op.Status,
		AgeSeconds:    int64(age.Seconds()),
		Detail:        fmt.Sprintf("%s operation %s has been %s for %s", op.Kind, op.ID, op.Status, age.Truncate(time.Second)),
		age:           age,
	}
	switch {
	case op.Amount.GreaterThanOrEqual(s.cfg.HighSeverityAmount):
		f.Severity = SeverityHigh
	case op.Status == domain.OperationStatusProcessing:
		// may be in flight at the gateway
		f.Severity = SeverityMedium
	case op.Amount.GreaterThan(s.cfg.AutoCleanupMaxAmount), age >= 7*24*time.Hour:
		f.Severity = SeverityMedium
	default:
		f.Severity = SeverityLow
	}
	return f
}

func (s *LockedFundsService) mismatchFinding(m models.ReservedMismatch) Finding {
	diff := m.Reserved.Sub(m.Pending).Abs()
	severity := SeverityMedium
	if diff.GreaterThanOrEqual(s.cfg.HighSeverityAmount) {
		severity = SeverityHigh
	}
	return Finding{
		Category: CategoryReservedMismatch,
		Severity: severity,
		UserID:   m.UserID,
		Currency: m.Currency,
		Amount:   diff,
		Detail:   fmt.Sprintf("reserved %s but live operations hold %s", m.Reserved, m.Pending),
	}
}

func (s *LockedFundsService) orphanFinding(t models.Transaction, now time.Time) Finding {
	id := t.ID
	age := now.Sub(t.CreatedAt)
	severity := SeverityMedium
	if t.Amount.GreaterThanOrEqual(s.cfg.HighSeverityAmount) {
		severity = SeverityHigh
	}
	return Finding{
		Category:      CategoryOrphanedDebit,
		Severity:      severity,
		UserID:        t.UserID,
		Currency:      t.Currency,
		Amount:        t.Amount,
		TransactionID: &id,
		Status:        t.Status,
		AgeSeconds:    int64(age.Seconds()),
		Detail:        fmt.Sprintf("%s debit %s is %s with no pending operation", t.Type, t.ID, t.Status),
		age:           age,
	}
}

// summarize derives overall severity and recommended actions. Overall severity is
// the worst finding, raised to critical when three or more findings are high or the
// audit found fifty or more anomalies.
func (s *LockedFundsService) summarize(r *LockedFundsReport) {
	r.Severity = SeverityNone
	high, cleanable := 0, 0
	for _, group := range [][]Finding{r.StaleOperations, r.ReservedMismatches, r.OrphanedDebits} {
		for _, f := range group {
			r.Severity = maxSeverity(r.Severity, f.Severity)
			r.AffectedByCurrency[f.Currency] = r.AffectedByCurrency[f.Currency].Add(f.Amount)
			if severityRank[f.Severity] >= severityRank[SeverityHigh] {
				high++
			}
			if f.AutoCleanable {
				cleanable++
			}
		}
	}
	if high >= 3 || r.Count() >= 50 {
		r.Severity = SeverityCritical
	}

	var actions []string
	if r.Severity == SeverityCritical {
		actions = append(actions, "Escalate to on-call finance operations: locked funds exposure is critical")
	}
	if n := len(r.ReservedMismatches); n > 0 {
		actions = append(actions, fmt.Sprintf("Reconcile reserved balances for %d wallet(s) manually; automatic release is disabled for inconsistent wallets", n))
	}
	if n := len(r.OrphanedDebits); n > 0 {
		actions = append(actions, fmt.Sprintf("Investigate %d pending debit(s) with no pending operation and complete or fail them", n))
	}
	if n := len(r.StaleOperations); n > 0 {
		if manual := n - cleanable; manual > 0 {
			actions = append(actions, fmt.Sprintf("Review %d stale pending operation(s) that do not qualify for automatic release", manual))
		}
		if cleanable > 0 {
			actions = append(actions, fmt.Sprintf("Run gated cleanup to release %d small stale reservation(s)", cleanable))
		}
	}
	if len(actions) == 0 {
		actions = append(actions, "No action required")
	}
	r.RecommendedActions = actions
}

func (s *LockedFundsService) publishMetrics(r LockedFundsReport) {
	counts := map[string]map[Severity]int{
		CategoryStaleOperation:   {},
		CategoryReservedMismatch: {},
		CategoryOrphanedDebit:    {},
	}
	for _, group := range [][]Finding{r.StaleOperations, r.ReservedMismatches, r.OrphanedDebits} {
		for _, f := range group {
			counts[f.Category][f.Severity]++
		}
	}
	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh} {
			observability.SetLockedFundsFindings(c, string(sev), counts[c][sev])
		}
	}
}

func walletRef(userID int64, currency string) string {
	return fmt.Sprintf("%d/%s", userID, currency)
}
