package models

import (
	"context"
	"time"
)

// Receipt confirms that the broker accepted a published message.
type Receipt struct {
	MessageID string
	Sequence  uint64
	Duplicate bool
	Timestamp time.Time
}

// Publisher publishes messages with an optional ordering key.
// Publish may fail transiently; implementations retry before returning.
type Publisher interface {
	Publish(ctx context.Context, orderingKey string, payload []byte, attributes map[string]string) (*Receipt, error)
}

// Subscription is a lazy, unordered, at-least-once sequence of deliveries.
//
// Next blocks until a delivery is available, the context is cancelled, or the
// subscription fails. A failed subscription is discarded and a new one is
// obtained from Source.Subscribe.
type Subscription interface {
	Next(ctx context.Context) (*Delivery, error)
	Close() error
}

// Source is the subscriber side of the broker. Subscribe is restartable: it
// may be called again after the previous subscription failed.
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Broker is a transport that can both publish and be subscribed to.
type Broker interface {
	Publisher
	Source
	Close() error
}
