package repository

import (
	"context"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Querier is the ledger store contract shared by the Postgres and in-memory stores.
// Methods suffixed ForUpdate take an exclusive row lock held until the enclosing
// transaction ends; outside a transaction the lock only lasts for the statement.
type Querier interface {
	CreateEscrow(ctx context.Context, e *models.Escrow) error
	GetEscrow(ctx context.Context, id string) (*models.Escrow, error)
	GetEscrowForUpdate(ctx context.Context, id string) (*models.Escrow, error)
	UpdateEscrowStatus(ctx context.Context, arg UpdateEscrowStatusParams) (int64, error)
	ListEscrowsAwaitingDeposit(ctx context.Context, limit int32) ([]*models.Escrow, error)
	ListExpiredEscrows(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error)
	ListPaymentTimeouts(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error)
	ListAutoReleaseDue(ctx context.Context, arg ListDueEscrowsParams) ([]*models.Escrow, error)

	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id int64) (*models.Dispute, error)
	GetDisputeForUpdate(ctx context.Context, id int64) (*models.Dispute, error)
	GetOpenDisputeByEscrow(ctx context.Context, escrowID string) (*models.Dispute, error)
	ResolveDispute(ctx context.Context, arg ResolveDisputeParams) (int64, error)

	EnsureWallet(ctx context.Context, userID int64, currency string) error
	GetWallet(ctx context.Context, userID int64, currency string) (models.Wallet, error)
	GetWalletForUpdate(ctx context.Context, userID int64, currency string) (models.Wallet, error)
	AdjustWallet(ctx context.Context, arg AdjustWalletParams) (int64, error)
	ListReservedMismatches(ctx context.Context) ([]models.ReservedMismatch, error)

	InsertTransaction(ctx context.Context, arg InsertTransactionParams) (models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) (int64, error)
	OperationKeyExists(ctx context.Context, arg OperationKeyExistsParams) (bool, error)
	HasCompletedDeposit(ctx context.Context, escrowID string) (bool, error)
	ListTransactionsByEscrow(ctx context.Context, escrowID string) ([]models.Transaction, error)
	ListOrphanedDebits(ctx context.Context, arg ListOrphanedDebitsParams) ([]models.Transaction, error)

	InsertPlatformRevenue(ctx context.Context, arg InsertPlatformRevenueParams) error
	ListPlatformRevenueByEscrow(ctx context.Context, escrowID string) ([]models.PlatformRevenue, error)

	InsertPendingOperation(ctx context.Context, arg InsertPendingOperationParams) (models.PendingOperation, error)
	GetPendingOperation(ctx context.Context, id uuid.UUID) (models.PendingOperation, error)
	GetPendingOperationForUpdate(ctx context.Context, id uuid.UUID) (models.PendingOperation, error)
	ClaimPendingOperations(ctx context.Context, arg ClaimPendingOperationsParams) ([]models.PendingOperation, error)
	UpdatePendingOperationStatus(ctx context.Context, arg UpdatePendingOperationStatusParams) (int64, error)
	ListStalePendingOperations(ctx context.Context, arg ListStalePendingOperationsParams) ([]models.PendingOperation, error)

	InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error
	ListAuditLog(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error)

	InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error
	ClaimOutboxEvents(ctx context.Context, limit int32) ([]models.OutboxEvent, error)
	MarkOutboxEventPublished(ctx context.Context, id uuid.UUID, at time.Time) (int64, error)
	MarkOutboxEventFailed(ctx context.Context, id uuid.UUID, lastError string) (int64, error)

	InsertDepositNotification(ctx context.Context, arg InsertDepositNotificationParams) (models.DepositNotification, error)
	GetDepositNotificationByReference(ctx context.Context, reference string) (models.DepositNotification, error)
	ListDepositNotificationsByEscrow(ctx context.Context, escrowID string) ([]models.DepositNotification, error)
}

// UpdateEscrowStatusParams is a compare-and-set on the escrow status.
type UpdateEscrowStatusParams struct {
	ID             string
	ExpectedStatus domain.EscrowStatus
	Status         domain.EscrowStatus
	ResolvedAt     *time.Time
	UpdatedAt      time.Time
}

type ListDueEscrowsParams struct {
	Before time.Time
	Limit  int32
}

type ResolveDisputeParams struct {
	ID             int64
	ResolutionKind string
	ResolvedBy     int64
	ResolvedAt     time.Time
}

// AdjustWalletParams applies signed deltas; the update affects no rows if either balance would go negative.
type AdjustWalletParams struct {
	UserID         int64
	Currency       string
	AvailableDelta decimal.Decimal
	ReservedDelta  decimal.Decimal
	UpdatedAt      time.Time
}

type InsertTransactionParams struct {
	ID             uuid.UUID
	UserID         int64
	Type           string
	Direction      string
	Amount         decimal.Decimal
	Currency       string
	EscrowID       *string
	DisputeID      *int64
	Status         string
	IdempotencyKey string
	OperationKey   string
	Description    string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

type UpdateTransactionStatusParams struct {
	ID             uuid.UUID
	ExpectedStatus string
	Status         string
	At             time.Time
}

type OperationKeyExistsParams struct {
	OperationKey string
	Since        time.Time
}

type ListOrphanedDebitsParams struct {
	Before time.Time
	Limit  int32
}

type InsertPlatformRevenueParams struct {
	ID        uuid.UUID
	EscrowID  string
	DisputeID *int64
	Amount    decimal.Decimal
	Currency  string
	Source    string
	CreatedAt time.Time
}

type InsertPendingOperationParams struct {
	ID            uuid.UUID
	Kind          string
	UserID        int64
	Amount        decimal.Decimal
	Currency      string
	TransactionID uuid.UUID
	Destination   string
	CreatedAt     time.Time
}

type ClaimPendingOperationsParams struct {
	Kind  string
	Limit int32
}

type UpdatePendingOperationStatusParams struct {
	ID             uuid.UUID
	ExpectedStatus string
	Status         string
	GatewayRef     *string
	UpdatedAt      time.Time
}

type ListStalePendingOperationsParams struct {
	Before time.Time
	Limit  int32
}

type InsertAuditLogParams struct {
	EntityType string
	EntityID   string
	ActorID    *int64
	Action     string
	PrevState  *string
	NextState  *string
	Metadata   []byte
	CreatedAt  time.Time
}

type InsertOutboxEventParams struct {
	ID          uuid.UUID
	EventType   string
	AggregateID string
	Payload     []byte
	CreatedAt   time.Time
}

type InsertDepositNotificationParams struct {
	ID         uuid.UUID
	EscrowID   string
	Reference  string
	Amount     decimal.Decimal
	Currency   string
	ReceivedAt time.Time
}
