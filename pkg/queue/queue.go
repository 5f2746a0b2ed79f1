// Package queue defines the queue contract used across elephant and
// implements an in-memory queue plus the blocking adapter that turns any
// non-blocking queue into one whose dequeue can wait for an item.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed blocking queue.
var ErrClosed = errors.New("queue: closed")

// Queue is a non-blocking FIFO of opaque items. Implementations must be safe
// for concurrent use.
type Queue[T any] interface {
	// Enqueue stores item at the tail. It fails only if the item cannot be
	// persisted.
	Enqueue(ctx context.Context, item T) error
	// TryDequeue removes and returns the head item. The second return value
	// is false when the queue is empty, which is the only way "no item" is
	// signalled; the zero value of T stays available as a real payload.
	TryDequeue(ctx context.Context) (T, bool, error)
	// Len reports the number of queued items. Best-effort for backends with
	// eventually consistent counts.
	Len(ctx context.Context) (int64, error)
}
