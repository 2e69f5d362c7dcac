package worker

import (
	"context"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"go.uber.org/zap"
)

// LockedFundsWorker audits reserved funds periodically and, when enabled, runs gated
// cleanup.
type LockedFundsWorker struct {
	*loop
	svc     *service.LockedFundsService
	cleanup bool
}

// NewLockedFundsWorker audits hourly with cleanup disabled.
func NewLockedFundsWorker(svc *service.LockedFundsService) *LockedFundsWorker {
	return &LockedFundsWorker{
		loop: newLoop("locked_funds", time.Hour, true),
		svc:  svc,
	}
}

func (w *LockedFundsWorker) WithInterval(interval time.Duration) *LockedFundsWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *LockedFundsWorker) WithCleanup(enabled bool) *LockedFundsWorker {
	w.cleanup = enabled
	return w
}

func (w *LockedFundsWorker) Start(ctx context.Context) {
	w.start(ctx, func(ctx context.Context) { _ = w.RunOnce(ctx) })
}

func (w *LockedFundsWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *LockedFundsWorker) RunOnce(ctx context.Context) error {
	if !w.cleanup {
		if _, err := w.svc.Detect(ctx); err != nil {
			observability.IncrementWorkerRun(w.name, "failed")
			zap.L().Error("locked funds audit failed", zap.Error(err))
			return err
		}
		observability.IncrementWorkerRun(w.name, "success")
		return nil
	}

	result, err := w.svc.Cleanup(ctx)
	if err != nil {
		observability.IncrementWorkerRun(w.name, "failed")
		zap.L().Error("locked funds cleanup failed", zap.Error(err))
		return err
	}
	observability.IncrementWorkerRun(w.name, "success")
	if result.Released > 0 || result.Failed > 0 {
		zap.L().Info("locked funds cleanup finished",
			zap.Int("released", result.Released),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
			zap.String("severity", string(result.Severity)),
		)
	}
	return nil
}
