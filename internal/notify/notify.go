// Package notify delivers committed outbox events to downstream consumers.
package notify

import (
	"context"
	"io"

	"go.uber.org/zap"
)

// Publisher delivers one event. Delivery is at-least-once; consumers dedupe on the
// event_id inside the payload.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload []byte) error
	io.Closer
}

// New returns a Kafka publisher when brokers are configured and a log publisher
// otherwise.
func New(brokers []string, topic string, logger *zap.Logger) (Publisher, error) {
	if len(brokers) == 0 {
		return NewLogPublisher(logger), nil
	}
	return NewKafkaPublisher(brokers, topic)
}
