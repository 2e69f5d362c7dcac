package worker

import (
	"context"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"go.uber.org/zap"
)

// OutboxWorker relays committed settlement events to the publisher.
type OutboxWorker struct {
	*loop
	svc       *service.OutboxService
	batchSize int32
}

func NewOutboxWorker(svc *service.OutboxService) *OutboxWorker {
	return &OutboxWorker{
		loop:      newLoop("outbox", 2*time.Second, true),
		svc:       svc,
		batchSize: 100,
	}
}

func (w *OutboxWorker) WithPollInterval(interval time.Duration) *OutboxWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *OutboxWorker) WithBatchSize(size int32) *OutboxWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

func (w *OutboxWorker) Start(ctx context.Context) {
	w.start(ctx, func(ctx context.Context) { _ = w.ProcessOnce(ctx) })
}

func (w *OutboxWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce publishes one batch. Failed events stay unpublished for the next run.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) error {
	published, failed, err := w.svc.PublishPending(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun(w.name, "failed")
		zap.L().Error("outbox relay failed", zap.Error(err))
		return err
	}
	observability.IncrementWorkerRun(w.name, "success")
	if published > 0 || failed > 0 {
		zap.L().Debug("outbox batch relayed", zap.Int("published", published), zap.Int("failed", failed))
	}
	return nil
}
