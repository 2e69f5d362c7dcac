package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway represents the external payment gateway used for cashouts.
type Gateway interface {
	// SendPayout sends funds to an external destination.
	// Returns a gateway reference ID and an error if the payout failed.
	SendPayout(ctx context.Context, destination string, amount decimal.Decimal, currency string) (string, error)
}

// MockGateway simulates an external payment gateway for development.
// It introduces a random delay and fails FailureRate of the time.
type MockGateway struct {
	FailureRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// NewMockGateway creates a MockGateway with a 10% failure rate and 2-5s latency.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		FailureRate: 0.1,
		MinDelay:    2 * time.Second,
		MaxDelay:    5 * time.Second,
	}
}

// SendPayout sleeps for a random delay, then randomly fails based on FailureRate.
// Returns a fake reference ID on success.
func (g *MockGateway) SendPayout(ctx context.Context, destination string, amount decimal.Decimal, currency string) (string, error) {
	delay := g.MinDelay
	if spread := g.MaxDelay - g.MinDelay; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", fmt.Errorf("gateway call canceled: %w", ctx.Err())
	}

	if rand.Float64() < g.FailureRate {
		return "", fmt.Errorf("gateway temporarily unavailable")
	}

	// Format: MOCK-YYYYMMDD-HHMMSS-XXXXX
	ref := fmt.Sprintf("MOCK-%s-%05d", time.Now().Format("20060102-150405"), rand.Intn(100000))
	return ref, nil
}
