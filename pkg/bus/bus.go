// Package bus provides a minimal publish/subscribe contract used to signal
// queue activity between producers and blocked consumers. Delivery is
// best-effort: messages may be dropped or duplicated, and subscribers must
// treat them as hints rather than data.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
	// ErrEmptyTopic is returned when a topic name is empty.
	ErrEmptyTopic = errors.New("bus: topic name must not be empty")
)

// Handler is invoked asynchronously for every message delivered to a
// subscription. The context is canceled when the bus shuts down. Handlers
// must not assume ordered or exclusive delivery across topics.
type Handler func(ctx context.Context, payload []byte)

// Subscription represents an active topic subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. Idempotent. Messages already
	// dispatched to the handler may still complete after it returns.
	Unsubscribe()
}

// Bus delivers opaque payloads to topic subscribers.
type Bus interface {
	// Publish sends payload to all current subscribers of topic. It never
	// blocks on slow subscribers.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topic. The handler runs on the bus's
	// own goroutines, one message at a time per subscription.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	// Close shuts the bus down and waits for in-flight handlers up to the
	// context deadline.
	Close(ctx context.Context) error
}
