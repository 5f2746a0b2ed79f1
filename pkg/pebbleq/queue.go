// Package pebbleq implements a durable FIFO queue on top of Pebble. Records
// are keyed by a fixed-width sequence number under a per-queue prefix, so
// Pebble's key order is the queue order and recovery after a restart is a
// single boundary scan.
package pebbleq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("pebbleq: closed")
	// ErrEmptyName is returned when a queue name is empty.
	ErrEmptyName = errors.New("pebbleq: queue name must not be empty")
	// ErrBadName is returned when a queue name contains the key separator.
	ErrBadName = errors.New("pebbleq: queue name must not contain ':'")
)

const keyPrefix = "q:"

// Queue is a persistent queue of T. Enqueued items are synced to disk before
// Enqueue returns, so a crash never loses an acknowledged item.
type Queue[T any] struct {
	db     *pebble.DB
	codec  Codec[T]
	prefix []byte
	ownsDB bool

	mu     sync.Mutex
	head   uint64 // sequence of the oldest stored item
	tail   uint64 // next sequence to assign
	closed bool
}

// Open creates or reopens the queue stored at path. The returned queue owns
// the database and closes it on Close.
func Open[T any](path, name string, codec Codec[T]) (*Queue[T], error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	log.WithField("path", path).Debug("Opening pebble queue database")
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebbleq: open %s: %w", path, err)
	}
	q, err := NewWithDB(db, name, codec)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// NewWithDB places the queue under its own key prefix inside an existing
// database, so many queues can share one Pebble instance. The caller keeps
// ownership of db.
func NewWithDB[T any](db *pebble.DB, name string, codec Codec[T]) (*Queue[T], error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if strings.ContainsRune(name, ':') {
		return nil, ErrBadName
	}
	q := &Queue[T]{
		db:     db,
		codec:  codec,
		prefix: []byte(keyPrefix + name + ":"),
	}
	if err := q.recover(); err != nil {
		return nil, fmt.Errorf("pebbleq: recover %q: %w", name, err)
	}
	log.WithFields(log.Fields{
		"queue":  name,
		"length": q.tail - q.head,
	}).Debug("Recovered pebble queue")
	return q, nil
}

func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := q.codec.Encode(item)
	if err != nil {
		return fmt.Errorf("pebbleq: encode item: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if err := q.db.Set(q.keyFor(q.tail), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebbleq: store item: %w", err)
	}
	q.tail++
	return nil
}

func (q *Queue[T]) TryDequeue(ctx context.Context) (T, bool, error) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return zero, false, ErrClosed
	}
	if q.head == q.tail {
		return zero, false, nil
	}

	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: q.prefix,
		UpperBound: prefixUpperBound(q.prefix),
	})
	if err != nil {
		return zero, false, fmt.Errorf("pebbleq: iterator: %w", err)
	}
	if !iter.First() {
		err := iter.Error()
		_ = iter.Close()
		if err != nil {
			return zero, false, fmt.Errorf("pebbleq: scan head: %w", err)
		}
		// Counters said there was something but the scan disagrees; trust
		// the storage and resync.
		q.head = q.tail
		return zero, false, nil
	}
	key := append([]byte(nil), iter.Key()...)
	data := append([]byte(nil), iter.Value()...)
	if err := iter.Close(); err != nil {
		return zero, false, fmt.Errorf("pebbleq: close iterator: %w", err)
	}

	// Decode before deleting so a codec failure leaves the record in place.
	item, err := q.codec.Decode(data)
	if err != nil {
		return zero, false, fmt.Errorf("pebbleq: decode item: %w", err)
	}

	if err := q.db.Delete(key, pebble.Sync); err != nil {
		return zero, false, fmt.Errorf("pebbleq: delete item: %w", err)
	}
	q.head = q.seqFromKey(key) + 1
	return item, true, nil
}

func (q *Queue[T]) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return int64(q.tail - q.head), nil
}

// Compact asks Pebble to compact this queue's key range, reclaiming space
// from dequeued (tombstoned) records.
func (q *Queue[T]) Compact() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	db := q.db
	q.mu.Unlock()

	return db.Compact(q.prefix, prefixUpperBound(q.prefix), false)
}

// Close marks the queue closed; the database is closed too when this queue
// opened it.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}

// recover rebuilds the head/tail counters from the stored key range.
func (q *Queue[T]) recover() error {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: q.prefix,
		UpperBound: prefixUpperBound(q.prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	if iter.First() {
		q.head = q.seqFromKey(iter.Key())
		iter.Last()
		q.tail = q.seqFromKey(iter.Key()) + 1
	}
	return iter.Error()
}

func (q *Queue[T]) keyFor(seq uint64) []byte {
	key := make([]byte, len(q.prefix)+8)
	copy(key, q.prefix)
	binary.BigEndian.PutUint64(key[len(q.prefix):], seq)
	return key
}

func (q *Queue[T]) seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff, no upper bound
}
