package domain

// SystemActorID identifies scheduler-driven operations in audit rows and idempotency keys.
const SystemActorID int64 = 0

const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"

	TxTypeEscrowDeposit = "escrow_deposit"
	TxTypeRefund        = "refund"
	TxTypeEscrowRelease = "escrow_release"
	TxTypeSplitPayout   = "split_payout"
	TxTypeCashout       = "cashout"
	TxTypeFundsRelease  = "funds_release"

	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusPending   = "pending"

	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"

	// Pending financial operation statuses
	OperationStatusPending    = "pending"
	OperationStatusProcessing = "processing"
	OperationStatusCompleted  = "completed"
	OperationStatusFailed     = "failed"
	OperationStatusReleased   = "released"

	OperationKindCashout = "cashout"
	OperationKindHold    = "hold"

	FeePolicyBuyer  = "buyer"
	FeePolicySplit  = "split"
	FeePolicySeller = "seller"
)

// Settlement event completion types published through the outbox.
const (
	EventDepositConfirmed    = "deposit_confirmed"
	EventDisputeResolved     = "dispute_resolved"
	EventEscrowExpired       = "escrow_expired"
	EventPaymentCancelled    = "payment_cancelled"
	EventEscrowAutoReleased  = "escrow_auto_released"
	EventCashoutCompleted    = "cashout_completed"
	EventCashoutFailed       = "cashout_failed"
	EventLockedFundsReleased = "locked_funds_released"
)
