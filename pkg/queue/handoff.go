package queue

import (
	"context"
	"sync"
)

// handoff passes items pulled by the notification handler to parked Dequeue
// callers. It is unbounded so putters never block, and each item is taken by
// exactly one caller. The capacity-1 signal channel is re-armed whenever
// items remain, so concurrent takers cannot strand a deliverable item.
type handoff[T any] struct {
	set chan struct{}

	mu    sync.Mutex
	items []T
}

func newHandoff[T any]() *handoff[T] {
	return &handoff[T]{set: make(chan struct{}, 1)}
}

func (h *handoff[T]) put(item T) {
	h.mu.Lock()
	h.items = append(h.items, item)
	h.mu.Unlock()

	select {
	case h.set <- struct{}{}:
	default:
	}
}

// take blocks until an item is available, ctx is done, or closed fires.
func (h *handoff[T]) take(ctx context.Context, closed <-chan struct{}) (T, error) {
	var zero T
	for {
		h.mu.Lock()
		if len(h.items) > 0 {
			item, more := h.items[0], len(h.items) > 1
			h.items[0] = zero
			h.items = h.items[1:]
			h.mu.Unlock()

			if more {
				select {
				case h.set <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		h.mu.Unlock()

		select {
		case <-h.set:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-closed:
			return zero, ErrClosed
		}
	}
}

// drain removes and returns everything currently buffered.
func (h *handoff[T]) drain() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	items := h.items
	h.items = nil
	return items
}
