package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// LogPublisher logs events instead of delivering them. Used when no brokers are
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.L()
	}
	return &LogPublisher{logger: logger.Named("notify")}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType, key string, payload []byte) error {
	p.logger.Info("settlement event",
		zap.String("event_type", eventType),
		zap.String("key", key),
		zap.Any("payload", json.RawMessage(payload)),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
