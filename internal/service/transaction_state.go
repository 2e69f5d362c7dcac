package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
)

var transactionTransitions = map[string]map[string]struct{}{
	domain.TxStatusPending: {
		domain.TxStatusCompleted: {},
		domain.TxStatusFailed:    {},
	},
	domain.TxStatusCompleted: {},
	domain.TxStatusFailed:    {},
}

var operationTransitions = map[string]map[string]struct{}{
	domain.OperationStatusPending: {
		domain.OperationStatusProcessing: {},
		domain.OperationStatusReleased:   {},
	},
	domain.OperationStatusProcessing: {
		domain.OperationStatusPending:   {},
		domain.OperationStatusCompleted: {},
		domain.OperationStatusFailed:    {},
	},
	domain.OperationStatusCompleted: {},
	domain.OperationStatusFailed:    {},
	domain.OperationStatusReleased:  {},
}

func canTransition(graph map[string]map[string]struct{}, current, next string) bool {
	nextStates, ok := graph[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// transitionTransactionState moves a pending transaction record to its final status
// and audits the change.
func transitionTransactionState(ctx context.Context, qtx repository.Querier, audit *AuditService, transactionID uuid.UUID, nextState string, actorID *int64, action string, metadata any, at time.Time) error {
	current, err := qtx.GetTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("get current transaction state: %w", err)
	}
	if current.Status == nextState {
		return nil
	}
	if !canTransition(transactionTransitions, current.Status, nextState) {
		return fmt.Errorf("invalid transaction state transition: %s -> %s", current.Status, nextState)
	}

	rows, err := qtx.UpdateTransactionStatus(ctx, repository.UpdateTransactionStatusParams{
		ID:             transactionID,
		ExpectedStatus: current.Status,
		Status:         nextState,
		At:             at,
	})
	if err != nil {
		return fmt.Errorf("update transaction state: %w", err)
	}
	if err := expectOneRow(rows, "update transaction state"); err != nil {
		return err
	}

	return audit.Write(ctx, qtx, AuditEntry{
		EntityType: entityTransaction,
		EntityID:   transactionID.String(),
		ActorID:    actorID,
		Action:     action,
		PrevState:  current.Status,
		NextState:  nextState,
		Metadata:   metadata,
		At:         at,
	})
}

// transitionOperationState applies a compare-and-set on a pending operation row.
func transitionOperationState(ctx context.Context, qtx repository.Querier, audit *AuditService, opID uuid.UUID, current, next string, gatewayRef *string, actorID *int64, action string, metadata any, at time.Time) error {
	if !canTransition(operationTransitions, current, next) {
		return fmt.Errorf("invalid operation state transition: %s -> %s", current, next)
	}
	rows, err := qtx.UpdatePendingOperationStatus(ctx, repository.UpdatePendingOperationStatusParams{
		ID:             opID,
		ExpectedStatus: current,
		Status:         next,
		GatewayRef:     gatewayRef,
		UpdatedAt:      at,
	})
	if err != nil {
		return fmt.Errorf("update operation state: %w", err)
	}
	if err := expectOneRow(rows, "update operation state"); err != nil {
		return err
	}
	return audit.Write(ctx, qtx, AuditEntry{
		EntityType: entityOperation,
		EntityID:   opID.String(),
		ActorID:    actorID,
		Action:     action,
		PrevState:  current,
		NextState:  next,
		Metadata:   metadata,
		At:         at,
	})
}
