package notify

import (
	"context"

	"manimate/types"
)

// JSONPublisher is satisfied by the Kafka producer
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, value any) error
}

// BusSink copies events onto a message bus keyed by session id
type BusSink struct {
	pub JSONPublisher
}

// NewBusSink wraps a publisher as a Sink
func NewBusSink(pub JSONPublisher) *BusSink {
	return &BusSink{pub: pub}
}

func (b *BusSink) Publish(ctx context.Context, key string, ev types.Event) error {
	return b.pub.PublishJSON(ctx, key, ev)
}
