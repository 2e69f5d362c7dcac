package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

type Wallet struct {
	UserID    int64           `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is the append-only record of one monetary movement.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	UserID         int64           `json:"user_id"`
	Type           string          `json:"type"`
	Direction      string          `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	EscrowID       *string         `json:"escrow_id,omitempty"`
	DisputeID      *int64          `json:"dispute_id,omitempty"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	OperationKey   string          `json:"operation_key"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

type PlatformRevenue struct {
	ID        uuid.UUID       `json:"id"`
	EscrowID  string          `json:"escrow_id"`
	DisputeID *int64          `json:"dispute_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingOperation is a financial operation holding reserved wallet funds until it finishes.
type PendingOperation struct {
	ID            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	UserID        int64           `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Destination   string          `json:"destination,omitempty"`
	GatewayRef    *string         `json:"gateway_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type OutboxEvent struct {
	ID          uuid.UUID  `json:"id"`
	EventType   string     `json:"event_type"`
	AggregateID string     `json:"aggregate_id"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// DepositNotification records an external payment confirmation for an escrow.
type DepositNotification struct {
	ID         uuid.UUID       `json:"id"`
	EscrowID   string          `json:"escrow_id"`
	Reference  string          `json:"reference"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ReceivedAt time.Time       `json:"received_at"`
}

type AuditEntry struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ActorID    *int64    `json:"actor_id,omitempty"`
	Action     string    `json:"action"`
	PrevState  *string   `json:"prev_state,omitempty"`
	NextState  *string   `json:"next_state,omitempty"`
	Metadata   []byte    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReservedMismatch is a wallet whose reserved balance disagrees with its live pending operations.
type ReservedMismatch struct {
	UserID   int64           `json:"user_id"`
	Currency string          `json:"currency"`
	Reserved decimal.Decimal `json:"reserved"`
	Pending  decimal.Decimal `json:"pending"`
}
