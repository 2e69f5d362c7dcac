package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/shopspring/decimal"
)

// DepositConfirmer answers whether the buyer's deposit for an escrow has arrived.
type DepositConfirmer interface {
	IsConfirmed(ctx context.Context, e *models.Escrow) (bool, error)
}

// NotificationSource lists recorded deposit notifications.
type NotificationSource interface {
	ListDepositNotificationsByEscrow(ctx context.Context, escrowID string) ([]models.DepositNotification, error)
}

// NotificationConfirmer confirms an escrow once verified deposit notifications in its
// currency cover the funded amount.
type NotificationConfirmer struct {
	source NotificationSource
}

func NewNotificationConfirmer(source NotificationSource) *NotificationConfirmer {
	return &NotificationConfirmer{source: source}
}

func (c *NotificationConfirmer) IsConfirmed(ctx context.Context, e *models.Escrow) (bool, error) {
	notes, err := c.source.ListDepositNotificationsByEscrow(ctx, e.ID)
	if err != nil {
		return false, fmt.Errorf("list deposit notifications: %w", err)
	}
	received := decimal.Zero
	for _, n := range notes {
		if n.Currency == e.Currency {
			received = received.Add(n.Amount)
		}
	}
	return received.GreaterThanOrEqual(e.FundedAmount()), nil
}

// MockConfirmer confirms the escrows it was told about.
type MockConfirmer struct {
	mu        sync.Mutex
	confirmed map[string]bool
	err       error
}

func NewMockConfirmer() *MockConfirmer {
	return &MockConfirmer{confirmed: make(map[string]bool)}
}

func (c *MockConfirmer) Confirm(escrowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed[escrowID] = true
}

// Fail makes every subsequent lookup return err.
func (c *MockConfirmer) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *MockConfirmer) IsConfirmed(ctx context.Context, e *models.Escrow) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.confirmed[e.ID], nil
}
