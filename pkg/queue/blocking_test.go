package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JTOne123/elephant/pkg/bus"
)

// busSpy wraps a real bus and counts calls so tests can assert how often the
// adapter touched it.
type busSpy struct {
	inner bus.Bus

	subscribes atomic.Int64
	publishes  atomic.Int64

	mu     sync.Mutex
	topics []string
}

func newBusSpy(inner bus.Bus) *busSpy {
	return &busSpy{inner: inner}
}

func (s *busSpy) Publish(ctx context.Context, topic string, payload []byte) error {
	s.publishes.Add(1)
	return s.inner.Publish(ctx, topic, payload)
}

func (s *busSpy) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	s.subscribes.Add(1)
	s.mu.Lock()
	s.topics = append(s.topics, topic)
	s.mu.Unlock()
	return s.inner.Subscribe(ctx, topic, h)
}

func (s *busSpy) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

func (s *busSpy) subscribedTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// failOnceBus fails the next Subscribe call, then behaves normally.
type failOnceBus struct {
	bus.Bus
	failNext atomic.Bool
}

func (f *failOnceBus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	if f.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("broker unavailable")
	}
	return f.Bus.Subscribe(ctx, topic, h)
}

// flakyQueue fails the next TryDequeue call, then behaves normally.
type flakyQueue[T any] struct {
	*Memory[T]
	failNext atomic.Bool
}

func (f *flakyQueue[T]) TryDequeue(ctx context.Context) (T, bool, error) {
	if f.failNext.CompareAndSwap(true, false) {
		var zero T
		return zero, false, errors.New("transient backend failure")
	}
	return f.Memory.TryDequeue(ctx)
}

func newTestAdapter(t *testing.T) (*BlockingQueue[string], *Memory[string], *busSpy) {
	t.Helper()

	inner := NewMemory[string]()
	spy := newBusSpy(bus.NewMemory())
	bq, err := NewBlocking[string](inner, spy)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = bq.Close()
		_ = spy.Close(context.Background())
	})
	return bq, inner, spy
}

func TestNewBlocking_RequiresCollaborators(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close(context.Background())

	_, err := NewBlocking[string](nil, b)
	assert.Error(t, err)

	_, err = NewBlocking[string](NewMemory[string](), nil)
	assert.Error(t, err)
}

func TestBlockingQueue_FastPathSkipsSubscription(t *testing.T) {
	bq, _, spy := newTestAdapter(t)

	require.NoError(t, bq.Enqueue(context.Background(), "ready"))

	got, err := bq.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", got)

	assert.Zero(t, spy.subscribes.Load(), "fast path must not subscribe")
	assert.EqualValues(t, 1, spy.publishes.Load())
}

func TestBlockingQueue_WakesOnEnqueue(t *testing.T) {
	bq, _, _ := newTestAdapter(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := bq.Dequeue(ctx)
		if err != nil {
			errCh <- err
			return
		}
		got <- v
	}()

	require.Eventually(t, func() bool {
		return bq.Stats().Waiters == 1
	}, time.Second, 5*time.Millisecond, "waiter never parked")

	require.NoError(t, bq.Enqueue(context.Background(), "x"))

	select {
	case v := <-got:
		assert.Equal(t, "x", v)
	case err := <-errCh:
		t.Fatalf("dequeue failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not wake the parked dequeue")
	}
}

func TestBlockingQueue_OneItemWakesExactlyOneWaiter(t *testing.T) {
	bq, _, _ := newTestAdapter(t)

	const waiters = 5
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	results := make(chan string, waiters)
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			v, err := bq.Dequeue(ctx)
			if err != nil {
				errs <- err
				return
			}
			results <- v
		}()
	}

	require.Eventually(t, func() bool {
		return bq.Stats().Waiters == int64(waiters)
	}, time.Second, 5*time.Millisecond, "waiters never parked")

	require.NoError(t, bq.Enqueue(context.Background(), "only"))

	wg.Wait()
	close(results)
	close(errs)

	delivered := 0
	for v := range results {
		assert.Equal(t, "only", v)
		delivered++
	}
	assert.Equal(t, 1, delivered, "exactly one waiter must receive the item")

	timedOut := 0
	for err := range errs {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		timedOut++
	}
	assert.Equal(t, waiters-1, timedOut)
}

func TestBlockingQueue_ConcurrentFirstCallsSubscribeOnce(t *testing.T) {
	bq, _, spy := newTestAdapter(t)

	const callers = 10
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := bq.Dequeue(ctx)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, spy.subscribes.Load(), "subscription must be established exactly once")
}

func TestBlockingQueue_CancellationReleasesWaiter(t *testing.T) {
	bq, _, spy := newTestAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := bq.Dequeue(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return bq.Stats().Waiters == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled dequeue never returned")
	}
	assert.EqualValues(t, 0, bq.Stats().Waiters)

	// The adapter still works for later callers.
	require.NoError(t, bq.Enqueue(context.Background(), "later"))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	got, err := bq.Dequeue(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "later", got)

	assert.EqualValues(t, 1, spy.subscribes.Load())
}

func TestBlockingQueue_HandlerSurvivesBackendErrors(t *testing.T) {
	fq := &flakyQueue[string]{Memory: NewMemory[string]()}
	spy := newBusSpy(bus.NewMemory())
	bq, err := NewBlocking[string](fq, spy)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bq.Close()
		_ = spy.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		v, derr := bq.Dequeue(ctx)
		if derr == nil {
			got <- v
		}
	}()

	require.Eventually(t, func() bool {
		return bq.Stats().Waiters == 1
	}, time.Second, 5*time.Millisecond)
	// Let the post-registration recheck finish before arming the failure.
	time.Sleep(50 * time.Millisecond)

	fq.failNext.Store(true)
	require.NoError(t, bq.Enqueue(context.Background(), "first"))

	require.Eventually(t, func() bool {
		return bq.Stats().HandlerErrors == 1
	}, time.Second, 5*time.Millisecond, "handler failure was not recorded")
	assert.EqualValues(t, 1, bq.Stats().Waiters, "waiter must stay parked after a failed delivery")

	// The next notification finds the backlog and wakes the waiter.
	require.NoError(t, bq.Enqueue(context.Background(), "second"))

	select {
	case v := <-got:
		assert.Equal(t, "first", v, "backlog must drain in queue order")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not survive the handler failure")
	}
	assert.EqualValues(t, 1, spy.subscribes.Load())

	// "second" is still queued for the next consumer.
	v, ok, err := bq.TryDequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestBlockingQueue_SubscribeFailureIsRetryable(t *testing.T) {
	inner := NewMemory[string]()
	fb := &failOnceBus{Bus: bus.NewMemory()}
	fb.failNext.Store(true)
	bq, err := NewBlocking[string](inner, fb)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bq.Close()
		_ = fb.Bus.Close(context.Background())
	})

	_, err = bq.Dequeue(context.Background())
	require.ErrorContains(t, err, "subscribe")

	// The failed attempt left the state unsubscribed, so the next call
	// retries and succeeds.
	got := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		v, derr := bq.Dequeue(ctx)
		if derr == nil {
			got <- v
		}
	}()

	require.Eventually(t, func() bool {
		return bq.Stats().Waiters == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bq.Enqueue(context.Background(), "x"))

	select {
	case v := <-got:
		assert.Equal(t, "x", v)
	case <-time.After(2 * time.Second):
		t.Fatal("retried subscription never delivered")
	}
}

func TestBlockingQueue_QueueOrderThenBlocking(t *testing.T) {
	bq, _, spy := newTestAdapter(t)

	require.NoError(t, bq.Enqueue(context.Background(), "a"))
	require.NoError(t, bq.Enqueue(context.Background(), "b"))

	got, err := bq.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	got, err = bq.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	assert.Zero(t, spy.subscribes.Load())

	// Third call finds the queue empty and blocks until "c" arrives.
	res := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		v, derr := bq.Dequeue(ctx)
		if derr == nil {
			res <- v
		}
	}()

	require.Eventually(t, func() bool {
		return bq.Stats().Waiters == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bq.Enqueue(context.Background(), "c"))

	select {
	case v := <-res:
		assert.Equal(t, "c", v)
	case <-time.After(2 * time.Second):
		t.Fatal("third dequeue never completed")
	}
	assert.EqualValues(t, 1, spy.subscribes.Load())
}

func TestBlockingQueue_ManyProducersManyConsumers(t *testing.T) {
	bq, _, _ := newTestAdapter(t)

	const producers = 4
	const perProducer = 25
	const consumers = 4
	const total = producers * perProducer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make(chan string, total)
	var wg sync.WaitGroup
	wg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer wg.Done()
			for {
				v, err := bq.Dequeue(ctx)
				if err != nil {
					return
				}
				results <- v
			}
		}()
	}

	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, bq.Enqueue(context.Background(), fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	seen := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		select {
		case v := <-results:
			require.False(t, seen[v], "item %s delivered twice", v)
			seen[v] = true
		case <-time.After(10 * time.Second):
			t.Fatalf("timeout, received %d of %d items", len(seen), total)
		}
	}
	assert.Len(t, seen, total)

	// Unpark the consumers that are still waiting for more work.
	cancel()
	wg.Wait()
}

func TestBlockingQueue_CloseReleasesParkedWaiters(t *testing.T) {
	bq, _, _ := newTestAdapter(t)

	const waiters = 3
	errCh := make(chan error, waiters)
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			_, err := bq.Dequeue(context.Background())
			errCh <- err
		}()
	}

	require.Eventually(t, func() bool {
		return bq.Stats().Waiters == int64(waiters)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bq.Close())

	wg.Wait()
	close(errCh)
	for err := range errCh {
		assert.ErrorIs(t, err, ErrClosed)
	}

	// Everything else is rejected after close.
	assert.ErrorIs(t, bq.Enqueue(context.Background(), "x"), ErrClosed)
	_, _, err := bq.TryDequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = bq.Len(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = bq.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, bq.Close())
}

func TestBlockingQueue_CloseReturnsUnclaimedWakeups(t *testing.T) {
	bq, inner, _ := newTestAdapter(t)

	// An item parked in the hand-off with no waiter left to claim it.
	bq.wake.put("stranded")

	require.NoError(t, bq.Close())

	v, ok, err := inner.TryDequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "unclaimed item must be returned to the underlying queue")
	assert.Equal(t, "stranded", v)
}

func TestBlockingQueue_DefaultTopicFromTypeName(t *testing.T) {
	assert.Equal(t, "string", defaultTopic[string]())

	type OrderPlaced struct{}
	assert.Equal(t, "orderplaced", defaultTopic[OrderPlaced]())

	// Unnamed types fall back to the type string.
	assert.Equal(t, "[]uint8", defaultTopic[[]byte]())
}

func TestBlockingQueue_WithTopic(t *testing.T) {
	inner := NewMemory[string]()
	spy := newBusSpy(bus.NewMemory())
	bq, err := NewBlocking[string](inner, spy, WithTopic("queue.custom"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bq.Close()
		_ = spy.Close(context.Background())
	})

	assert.Equal(t, "queue.custom", bq.Topic())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = bq.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, []string{"queue.custom"}, spy.subscribedTopics())
}
