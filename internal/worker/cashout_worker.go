package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"go.uber.org/zap"
)

// CashoutWorker processes pending cashouts in the background.
// Safe for concurrent instances thanks to FOR UPDATE SKIP LOCKED.
type CashoutWorker struct {
	*loop
	svc       *service.CashoutService
	batchSize int32
}

// NewCashoutWorker polls every 10 seconds, ten cashouts at a time.
func NewCashoutWorker(svc *service.CashoutService) *CashoutWorker {
	return &CashoutWorker{
		loop:      newLoop("cashout", 10*time.Second, false),
		svc:       svc,
		batchSize: 10,
	}
}

func (w *CashoutWorker) WithPollInterval(interval time.Duration) *CashoutWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *CashoutWorker) WithBatchSize(size int32) *CashoutWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks until Stop is called or the context is canceled.
func (w *CashoutWorker) Start(ctx context.Context) {
	w.start(ctx, func(ctx context.Context) {
		if err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Error("cashout batch failed", zap.Error(err))
		}
	})
}

// ProcessOnce processes a single batch immediately.
func (w *CashoutWorker) ProcessOnce(ctx context.Context) error {
	if err := w.svc.ProcessCashouts(ctx, w.batchSize); err != nil {
		observability.IncrementWorkerRun(w.name, "failed")
		return err
	}
	observability.IncrementWorkerRun(w.name, "success")
	return nil
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *CashoutWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *CashoutWorker) String() string {
	return fmt.Sprintf("CashoutWorker(interval=%v, batch=%d)", w.interval, w.batchSize)
}
