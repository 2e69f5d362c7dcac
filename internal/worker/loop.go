package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// loop runs fn on a fixed interval until Stop is called or the context ends.
type loop struct {
	name      string
	interval  time.Duration
	immediate bool
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func newLoop(name string, interval time.Duration, immediate bool) *loop {
	return &loop{name: name, interval: interval, immediate: immediate, stopCh: make(chan struct{})}
}

func (l *loop) start(ctx context.Context, fn func(context.Context)) {
	zap.L().Info("worker starting", zap.String("worker", l.name), zap.Duration("interval", l.interval))
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	if l.immediate {
		fn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("worker context canceled", zap.String("worker", l.name))
			return
		case <-l.stopCh:
			zap.L().Info("worker stop signal received", zap.String("worker", l.name))
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop is safe to call more than once.
func (l *loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}
