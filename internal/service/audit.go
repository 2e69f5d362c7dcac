package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/repository"
)

// Audit entity types.
const (
	entityEscrow      = "escrow"
	entityDispute     = "dispute"
	entityTransaction = "transaction"
	entityOperation   = "pending_operation"
)

// AuditService writes immutable audit trail entries.
type AuditService struct{}

func NewAuditService() *AuditService {
	return &AuditService{}
}

// AuditEntry is one row to write inside the caller's transaction.
type AuditEntry struct {
	EntityType string
	EntityID   string
	ActorID    *int64
	Action     string
	PrevState  string
	NextState  string
	Metadata   any
	At         time.Time
}

// Write stores a single immutable audit record.
func (s *AuditService) Write(ctx context.Context, qtx repository.Querier, entry AuditEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
	}

	if err := qtx.InsertAuditLog(ctx, repository.InsertAuditLogParams{
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		ActorID:    entry.ActorID,
		Action:     entry.Action,
		PrevState:  textParam(entry.PrevState),
		NextState:  textParam(entry.NextState),
		Metadata:   metadata,
		CreatedAt:  entry.At,
	}); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func textParam(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func actorParam(id int64) *int64 {
	return &id
}
