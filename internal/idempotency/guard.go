package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix = "escrow:idempotency"
	pruneThreshold = 4096
)

// Operation identifies one logical financial operation.
type Operation struct {
	ActorID   int64
	Type      string
	Amount    decimal.Decimal
	Currency  string
	RelatedID string
	Context   string
}

// DeriveKey hashes a canonical serialization of op. Amounts are fixed to the
// currency's minor unit so "100" and "100.00" derive the same key.
func DeriveKey(op Operation) string {
	fields := []string{
		strconv.FormatInt(op.ActorID, 10),
		strings.ToLower(strings.TrimSpace(op.Type)),
		domain.FormatAmount(op.Amount, op.Currency),
		domain.NormalizeCurrency(op.Currency),
		strings.TrimSpace(op.RelatedID),
		op.Context,
	}
	h := sha256.New()
	for _, f := range fields {
		// length-prefixed so no field value can forge a separator
		fmt.Fprintf(h, "%d:%s;", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// KeyChecker is the durable lookup against recorded transactions.
type KeyChecker interface {
	OperationKeyExists(ctx context.Context, arg repository.OperationKeyExistsParams) (bool, error)
}

// Guard rejects re-execution of an operation within a retention window. Lookups go
// through a process-local cache, then the optional shared redis tier, then the
// durable store. Infrastructure failures fail open.
type Guard struct {
	mu      sync.Mutex
	local   map[string]time.Time
	redis   redis.Cmdable
	durable KeyChecker
	window  time.Duration
	now     func() time.Time
}

// NewGuard builds a guard. rdb may be nil.
func NewGuard(durable KeyChecker, rdb redis.Cmdable, window time.Duration) *Guard {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Guard{
		local:   make(map[string]time.Time),
		redis:   rdb,
		durable: durable,
		window:  window,
		now:     time.Now,
	}
}

// Window is the default retention window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// IsDuplicate reports whether key was registered or recorded within window.
// A zero window uses the guard default.
func (g *Guard) IsDuplicate(ctx context.Context, key string, window time.Duration) bool {
	if window <= 0 {
		window = g.window
	}
	now := g.now()

	if g.localHit(key, now, window) {
		observability.IncrementIdempotencyEvent("local_hit")
		return true
	}

	if g.redis != nil {
		n, err := g.redis.Exists(ctx, redisKey(key)).Result()
		switch {
		case err != nil:
			zap.L().Warn("redis idempotency lookup failed", zap.Error(err), zap.String("key", key))
		case n > 0:
			g.remember(key, now)
			observability.IncrementIdempotencyEvent("redis_hit")
			return true
		}
	}

	if g.durable == nil {
		observability.IncrementIdempotencyEvent("miss")
		return false
	}
	exists, err := g.durable.OperationKeyExists(ctx, repository.OperationKeyExistsParams{
		OperationKey: key,
		Since:        now.Add(-window),
	})
	if err != nil {
		zap.L().Warn("durable idempotency check failed; allowing operation", zap.Error(err), zap.String("key", key))
		observability.IncrementIdempotencyEvent("fail_open")
		return false
	}
	if exists {
		g.remember(key, now)
		observability.IncrementIdempotencyEvent("durable_hit")
		return true
	}
	observability.IncrementIdempotencyEvent("miss")
	return false
}

// Register records key after the guarded operation succeeded.
func (g *Guard) Register(ctx context.Context, key string) {
	now := g.now()
	g.remember(key, now)
	if g.redis == nil {
		return
	}
	if err := g.redis.Set(ctx, redisKey(key), now.UTC().Format(time.RFC3339Nano), g.window).Err(); err != nil {
		zap.L().Warn("redis idempotency register failed", zap.Error(err), zap.String("key", key))
	}
}

func (g *Guard) localHit(key string, now time.Time, window time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.local[key]
	if !ok {
		return false
	}
	if now.Sub(at) >= window {
		delete(g.local, key)
		return false
	}
	return true
}

func (g *Guard) remember(key string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.local[key] = now
	if len(g.local) < pruneThreshold {
		return
	}
	for k, at := range g.local {
		if now.Sub(at) >= g.window {
			delete(g.local, k)
		}
	}
}

func redisKey(key string) string {
	return redisKeyPrefix + ":" + key
}
