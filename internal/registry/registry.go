// Package registry creates and caches the daemon's named queues. Every
// queue is a blocking adapter over the configured storage backend, and
// all of them share one process-wide bus with a topic per queue.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"

	"github.com/JTOne123/elephant/pkg/bus"
	"github.com/JTOne123/elephant/pkg/pebbleq"
	"github.com/JTOne123/elephant/pkg/queue"
)

// Storage backends for daemon queues.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

var (
	ErrClosed      = errors.New("registry: closed")
	ErrInvalidName = errors.New("registry: invalid queue name")
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// TopicFor returns the bus topic carrying wake-ups for a named queue.
func TopicFor(name string) string {
	return "queue." + name
}

// Options select where daemon queues keep their items.
type Options struct {
	Backend string
	// DB is the shared database for BackendPebble. The registry does
	// not own it.
	DB *pebble.DB
}

// Registry hands out named queues, creating each on first use.
type Registry struct {
	bus  bus.Bus
	opts Options

	mu     sync.Mutex
	queues map[string]*entry
	closed bool
}

type entry struct {
	blocking *queue.BlockingQueue[[]byte]
	durable  *pebbleq.Queue[[]byte]
}

// New validates the backend selection and returns an empty registry.
func New(b bus.Bus, opts Options) (*Registry, error) {
	if b == nil {
		return nil, errors.New("registry: bus must not be nil")
	}
	switch opts.Backend {
	case BackendMemory:
	case BackendPebble:
		if opts.DB == nil {
			return nil, errors.New("registry: pebble backend needs a database")
		}
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", opts.Backend)
	}
	return &Registry{bus: b, opts: opts, queues: make(map[string]*entry)}, nil
}

// Get returns the queue for name, creating it on first use.
func (r *Registry) Get(name string) (*queue.BlockingQueue[[]byte], error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.queues[name]; ok {
		return e.blocking, nil
	}

	e := &entry{}
	var inner queue.Queue[[]byte]
	switch r.opts.Backend {
	case BackendPebble:
		dq, err := pebbleq.NewWithDB[[]byte](r.opts.DB, name, pebbleq.Bytes{})
		if err != nil {
			return nil, fmt.Errorf("registry: open durable queue %q: %w", name, err)
		}
		e.durable = dq
		inner = dq
	default:
		inner = queue.NewMemory[[]byte]()
	}

	bq, err := queue.NewBlocking[[]byte](inner, r.bus, queue.WithTopic(TopicFor(name)))
	if err != nil {
		if e.durable != nil {
			_ = e.durable.Close()
		}
		return nil, fmt.Errorf("registry: create queue %q: %w", name, err)
	}
	e.blocking = bq
	r.queues[name] = e

	log.WithFields(log.Fields{
		"queue":   name,
		"backend": r.opts.Backend,
	}).Info("Created queue")
	return bq, nil
}

// Lookup returns the queue for name only if it already exists.
func (r *Registry) Lookup(name string) (*queue.BlockingQueue[[]byte], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.queues[name]
	if !ok {
		return nil, false
	}
	return e.blocking, true
}

// Names lists existing queues in lexical order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompactAll compacts the storage of every durable queue. Memory-backed
// queues are skipped.
func (r *Registry) CompactAll() error {
	r.mu.Lock()
	type target struct {
		name    string
		durable *pebbleq.Queue[[]byte]
	}
	var targets []target
	for name, e := range r.queues {
		if e.durable != nil {
			targets = append(targets, target{name: name, durable: e.durable})
		}
	}
	r.mu.Unlock()

	var first error
	for _, t := range targets {
		if err := t.durable.Compact(); err != nil {
			log.WithField("queue", t.name).WithError(err).Warn("Failed to compact queue")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Close shuts every queue down, releasing parked waiters. The shared bus
// and database stay open; their owner closes them.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	queues := r.queues
	r.queues = make(map[string]*entry)
	r.mu.Unlock()

	var first error
	for name, e := range queues {
		if err := e.blocking.Close(); err != nil {
			log.WithField("queue", name).WithError(err).Warn("Failed to close queue")
			if first == nil {
				first = err
			}
		}
		if e.durable != nil {
			if err := e.durable.Close(); err != nil {
				log.WithField("queue", name).WithError(err).Warn("Failed to close durable queue")
				if first == nil {
					first = err
				}
			}
		}
	}
	return first
}
