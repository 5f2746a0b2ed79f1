package bus

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process Bus. Each subscriber owns an unbounded dispatch
// queue drained by its own goroutine, so Publish never blocks and every
// subscription sees its messages in publish order.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[int]*memSub
	nextID int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		topics: make(map[string]map[int]*memSub),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish fans payload out to every subscriber of topic. Subscribers that
// joined after the call see nothing; there is no retained history.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	subs := m.topics[topic]
	if len(subs) == 0 {
		return nil
	}

	// One defensive copy shared by all subscribers.
	p := append([]byte(nil), payload...)
	for _, sub := range subs {
		sub.enqueue(p)
	}
	return nil
}

// Subscribe registers handler for topic and starts its dispatcher.
func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if handler == nil {
		return nil, errors.New("bus: handler must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	id := m.nextID
	m.nextID++

	sub := newMemSub(m.ctx, handler)
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[int]*memSub)
	}
	m.topics[topic][id] = sub

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sub.dispatch()
	}()

	remove := func() {
		m.mu.Lock()
		if subs, ok := m.topics[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.topics, topic)
			}
		}
		m.mu.Unlock()
		sub.close()
	}
	return &memSubscription{unsub: remove}, nil
}

// Close stops all dispatchers and waits for them until ctx expires.
// Messages still queued on subscribers are dropped.
func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memSub
	for _, byID := range m.topics {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
	}
	m.topics = make(map[string]map[int]*memSub)
	m.mu.Unlock()

	m.cancel()
	for _, sub := range subs {
		sub.close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type memSubscription struct {
	once  sync.Once
	unsub func()
}

func (s *memSubscription) Unsubscribe() {
	s.once.Do(s.unsub)
}

// memSub is the per-subscriber dispatch queue. Enqueue appends and wakes the
// dispatcher; the dispatcher invokes the handler outside the lock.
type memSub struct {
	ctx     context.Context
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newMemSub(ctx context.Context, handler Handler) *memSub {
	s := &memSub{ctx: ctx, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memSub) enqueue(payload []byte) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, payload)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memSub) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *memSub) dispatch() {
	for {
		s.mu.Lock()
		for !s.closed && len(s.queue) == 0 {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		payload := s.queue[0]
		// pop
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.mu.Unlock()

		s.handler(s.ctx, payload)
	}
}
