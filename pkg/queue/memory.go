package queue

import (
	"context"
	"sync"
)

// Memory is a mutex-guarded slice-backed Queue. It never returns errors and
// ignores the context; it exists for tests, examples, and single-process
// deployments.
type Memory[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewMemory creates an empty in-memory queue.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{}
}

func (m *Memory[T]) Enqueue(ctx context.Context, item T) error {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()
	return nil
}

func (m *Memory[T]) TryDequeue(ctx context.Context) (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false, nil
	}
	item := m.items[0]
	// pop, keeping the backing array compact
	copy(m.items, m.items[1:])
	m.items[len(m.items)-1] = zero
	m.items = m.items[:len(m.items)-1]
	return item, true, nil
}

func (m *Memory[T]) Len(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}
