package queue

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/JTOne123/elephant/pkg/bus"
)

// wakePayload is the opaque "something was enqueued" marker published on the
// notification topic. Its content is never inspected.
var wakePayload = []byte("enqueued")

// Option configures a BlockingQueue.
type Option func(*options)

type options struct {
	topic string
}

// WithTopic overrides the notification topic. Every adapter sharing one
// underlying queue must use the same topic, or waiters will miss wake-ups.
func WithTopic(topic string) Option {
	return func(o *options) { o.topic = topic }
}

// BlockingQueue adapts a non-blocking Queue and a best-effort notification
// Bus into a queue whose Dequeue waits for an item instead of polling.
//
// Enqueue writes to the underlying queue first and publishes the wake-up
// notification second, so a woken waiter always has something to dequeue.
// The notification subscription is established lazily by the first Dequeue
// that finds the queue empty, and at most once for the adapter's lifetime.
// Notifications are hints only: the underlying queue stays the single source
// of truth, so dropped or duplicated deliveries never corrupt state.
type BlockingQueue[T any] struct {
	inner Queue[T]
	bus   bus.Bus
	topic string

	// Parked Dequeue callers. A hint for the notification handler, not a
	// correctness boundary: brief staleness around cancellation is fine
	// because the next enqueue publishes again.
	waiters atomic.Int64

	wakeups       atomic.Uint64
	published     atomic.Uint64
	handlerErrors atomic.Uint64

	subMu      sync.Mutex
	subscribed atomic.Bool
	sub        bus.Subscription

	wake      *handoff[T]
	done      chan struct{}
	closeOnce sync.Once
}

// NewBlocking builds a BlockingQueue over inner using b for wake-up
// notifications. Neither collaborator is owned: both outlive the adapter
// unless the caller closes them.
func NewBlocking[T any](inner Queue[T], b bus.Bus, opts ...Option) (*BlockingQueue[T], error) {
	if inner == nil {
		return nil, fmt.Errorf("queue: underlying queue must not be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("queue: notification bus must not be nil")
	}

	o := options{topic: defaultTopic[T]()}
	for _, opt := range opts {
		opt(&o)
	}

	return &BlockingQueue[T]{
		inner: inner,
		bus:   b,
		topic: o.topic,
		wake:  newHandoff[T](),
		done:  make(chan struct{}),
	}, nil
}

// Topic returns the notification topic in use.
func (b *BlockingQueue[T]) Topic() string { return b.topic }

// Enqueue stores item and then publishes a wake-up notification. If the
// publish fails the item is already queued and the error is returned; a
// later enqueue's notification will wake any stranded waiter.
func (b *BlockingQueue[T]) Enqueue(ctx context.Context, item T) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.inner.Enqueue(ctx, item); err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, b.topic, wakePayload); err != nil {
		return fmt.Errorf("queue: publish wake-up on %q: %w", b.topic, err)
	}
	b.published.Add(1)
	return nil
}

// TryDequeue delegates to the underlying queue.
func (b *BlockingQueue[T]) TryDequeue(ctx context.Context) (T, bool, error) {
	if b.isClosed() {
		var zero T
		return zero, false, ErrClosed
	}
	return b.inner.TryDequeue(ctx)
}

// Len delegates to the underlying queue.
func (b *BlockingQueue[T]) Len(ctx context.Context) (int64, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	return b.inner.Len(ctx)
}

// Dequeue returns the next item, waiting for one if the queue is empty.
// Waiting ends when an item arrives, ctx is done (the context error is
// returned), or the adapter is closed (ErrClosed). Without a deadline on ctx
// a caller may wait forever; that is the contract, not a defect.
func (b *BlockingQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	if b.isClosed() {
		return zero, ErrClosed
	}

	// Fast path: data is already there, no subscription needed.
	if item, ok, err := b.inner.TryDequeue(ctx); err != nil {
		return zero, err
	} else if ok {
		return item, nil
	}

	if err := b.ensureSubscribed(ctx); err != nil {
		return zero, err
	}

	b.waiters.Add(1)
	defer b.waiters.Add(-1)

	// Retry once after registering as a waiter. An enqueue that slipped in
	// between the miss above and the increment had its notification skipped
	// (handler saw zero waiters), so the item would otherwise sit unnoticed
	// until the next enqueue.
	if item, ok, err := b.inner.TryDequeue(ctx); err != nil {
		return zero, err
	} else if ok {
		return item, nil
	}

	return b.wake.take(ctx, b.done)
}

// Close cancels parked waiters with ErrClosed, tears down the bus
// subscription, and puts any wake-ups nobody claimed back into the
// underlying queue. Further calls on the adapter return ErrClosed.
// The underlying queue and the bus themselves stay open.
func (b *BlockingQueue[T]) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)

		b.subMu.Lock()
		if b.sub != nil {
			b.sub.Unsubscribe()
			b.sub = nil
		}
		b.subMu.Unlock()

		for _, item := range b.wake.drain() {
			if err := b.inner.Enqueue(context.Background(), item); err != nil {
				log.WithField("topic", b.topic).WithError(err).
					Warn("Failed to return an unclaimed item to the queue on close")
			}
		}
	})
	return nil
}

// Stats is a point-in-time snapshot of adapter counters.
type Stats struct {
	// Waiters is the number of Dequeue calls currently parked.
	Waiters int64
	// Wakeups counts items forwarded from the notification handler to a
	// waiter.
	Wakeups uint64
	// Published counts successful enqueue notifications.
	Published uint64
	// HandlerErrors counts notification deliveries that failed while
	// attempting the opportunistic dequeue.
	HandlerErrors uint64
}

func (b *BlockingQueue[T]) Stats() Stats {
	return Stats{
		Waiters:       b.waiters.Load(),
		Wakeups:       b.wakeups.Load(),
		Published:     b.published.Load(),
		HandlerErrors: b.handlerErrors.Load(),
	}
}

// ensureSubscribed establishes the notification subscription exactly once.
// Double-checked so steady-state Dequeue traffic never touches the lock, and
// a failed subscribe leaves the state unset for the next caller to retry.
func (b *BlockingQueue[T]) ensureSubscribed(ctx context.Context) error {
	if b.subscribed.Load() {
		return nil
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.subscribed.Load() {
		return nil
	}
	// Close holds this lock while unsubscribing, so checking here keeps a
	// late first Dequeue from subscribing after teardown.
	if b.isClosed() {
		return ErrClosed
	}

	sub, err := b.bus.Subscribe(ctx, b.topic, b.onWakeup)
	if err != nil {
		return fmt.Errorf("queue: subscribe to %q: %w", b.topic, err)
	}
	b.sub = sub
	b.subscribed.Store(true)
	return nil
}

// onWakeup runs on the bus's delivery goroutines, possibly concurrently with
// itself. It opportunistically dequeues and forwards the item to exactly one
// waiter. Errors are logged and swallowed so a bad delivery never breaks the
// subscription.
func (b *BlockingQueue[T]) onWakeup(ctx context.Context, _ []byte) {
	if b.isClosed() {
		return
	}
	if b.waiters.Load() == 0 {
		return
	}

	item, ok, err := b.inner.TryDequeue(ctx)
	if err != nil {
		b.handlerErrors.Add(1)
		log.WithField("topic", b.topic).WithError(err).
			Warn("Dequeue attempt failed while handling a wake-up notification")
		return
	}
	if !ok {
		return
	}

	if b.isClosed() {
		// Closed between the check above and the dequeue. Put the item back
		// rather than stranding it in a hand-off nobody reads.
		if err := b.inner.Enqueue(ctx, item); err != nil {
			log.WithField("topic", b.topic).WithError(err).
				Warn("Failed to return an item dequeued during close")
		}
		return
	}

	b.wake.put(item)
	b.wakeups.Add(1)
}

func (b *BlockingQueue[T]) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// defaultTopic derives the notification topic from the item type name,
// lower-cased. Unnamed types fall back to their type string.
func defaultTopic[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	return strings.ToLower(name)
}
