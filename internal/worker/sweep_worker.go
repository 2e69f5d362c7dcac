package worker

import (
	"context"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"go.uber.org/zap"
)

// SweepWorker runs one named sweep on an interval. Items a run does not reach
// before its batch timeout are picked up on the next tick.
type SweepWorker struct {
	*loop
	svc   *service.SweepService
	sweep string
}

// NewSweepWorker runs sweep every minute, starting immediately.
func NewSweepWorker(svc *service.SweepService, sweep string) *SweepWorker {
	return &SweepWorker{
		loop:  newLoop("sweep_"+sweep, time.Minute, true),
		svc:   svc,
		sweep: sweep,
	}
}

func (w *SweepWorker) WithInterval(interval time.Duration) *SweepWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs the sweep at the configured interval.
func (w *SweepWorker) Start(ctx context.Context) {
	w.start(ctx, func(ctx context.Context) { _, _ = w.RunOnce(ctx) })
}

func (w *SweepWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *SweepWorker) RunOnce(ctx context.Context) (service.SweepSummary, error) {
	summary, err := w.svc.Run(ctx, w.sweep)
	if err != nil {
		observability.IncrementWorkerRun(w.name, "failed")
		zap.L().Error("sweep run failed", zap.String("sweep", w.sweep), zap.Error(err))
		return summary, err
	}
	observability.IncrementWorkerRun(w.name, "success")
	if summary.Processed+summary.Failed+summary.Skipped > 0 {
		zap.L().Info("sweep run finished",
			zap.String("sweep", w.sweep),
			zap.Int("processed", summary.Processed),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}
