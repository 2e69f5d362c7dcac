package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementEvent is the terminal notification for one escrow. Consumers dedupe on EventID.
type SettlementEvent struct {
	EventID        uuid.UUID       `json:"event_id"`
	EscrowID       string          `json:"escrow_id"`
	DisputeID      *int64          `json:"dispute_id,omitempty"`
	CompletionType string          `json:"completion_type"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	BuyerID        int64           `json:"buyer_id"`
	SellerID       int64           `json:"seller_id"`
	WinnerID       *int64          `json:"winner_id,omitempty"`
	LoserID        *int64          `json:"loser_id,omitempty"`
	ResolutionKind string          `json:"resolution_kind,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// enqueueEvent writes ev to the outbox inside the settlement transaction.
func enqueueEvent(ctx context.Context, qtx repository.Querier, ev SettlementEvent) error {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	return enqueueOutbox(ctx, qtx, ev.EventID, ev.CompletionType, ev.EscrowID, ev, ev.OccurredAt)
}

func enqueueOutbox(ctx context.Context, qtx repository.Querier, id uuid.UUID, eventType, aggregateID string, payload any, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	if err := qtx.InsertOutboxEvent(ctx, repository.InsertOutboxEventParams{
		ID:          id,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     body,
		CreatedAt:   at,
	}); err != nil {
		return fmt.Errorf("insert %s outbox event: %w", eventType, err)
	}
	return nil
}

// EventPublisher delivers one outbox event to the notification collaborator.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload []byte) error
}

// OutboxService relays committed outbox events. Delivery is at-least-once.
type OutboxService struct {
	store     QueryStore
	publisher EventPublisher
	now       func() time.Time
}

func NewOutboxService(store QueryStore, publisher EventPublisher) *OutboxService {
	return &OutboxService{store: store, publisher: publisher, now: time.Now}
}

// PublishPending claims up to batchSize unpublished events and publishes them while
// holding their row locks, so concurrent relays never pick the same event.
func (s *OutboxService) PublishPending(ctx context.Context, batchSize int32) (published, failed int, err error) {
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		events, err := qtx.ClaimOutboxEvents(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("claim outbox events: %w", err)
		}
		for _, ev := range events {
			if pubErr := s.publisher.Publish(ctx, ev.EventType, ev.AggregateID, ev.Payload); pubErr != nil {
				failed++
				observability.IncrementOutboxPublish(ev.EventType, "failed")
				zap.L().Warn("outbox publish failed",
					zap.Error(pubErr),
					zap.String("event_id", ev.ID.String()),
					zap.String("event_type", ev.EventType),
					zap.Int("attempts", ev.Attempts+1),
				)
				if _, err := qtx.MarkOutboxEventFailed(ctx, ev.ID, pubErr.Error()); err != nil {
					return fmt.Errorf("mark outbox event %s failed: %w", ev.ID, err)
				}
				continue
			}
			rows, err := qtx.MarkOutboxEventPublished(ctx, ev.ID, s.now().UTC())
			if err != nil {
				return fmt.Errorf("mark outbox event %s published: %w", ev.ID, err)
			}
			if err := expectOneRow(rows, "mark outbox event published"); err != nil {
				return err
			}
			published++
			observability.IncrementOutboxPublish(ev.EventType, "published")
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return published, failed, nil
}
