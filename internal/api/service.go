package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/JTOne123/elephant/internal/registry"
)

// Service is the daemon's HTTP surface: queue operations, health and
// metrics endpoints, and the bus hub.
type Service struct {
	address string
	port    int

	registry *registry.Registry
	hub      http.Handler

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewService wires the HTTP surface to a queue registry. hub serves the
// /bus endpoint and may be nil when the networked bus is disabled.
func NewService(host string, port int, reg *registry.Registry, hub http.Handler) *Service {
	return &Service{
		address:  host,
		port:     port,
		registry: reg,
		hub:      hub,
	}
}

// Start runs the HTTP server until ctx is cancelled or the listener
// fails. Request contexts derive from ctx, so parked blocking dequeues
// unwind on shutdown.
func (s *Service) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Infof("Starting Elephant API service at %s:%d", s.address, s.port)
	defer log.Info("Stopping Elephant API service")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Close shuts the HTTP server down, waiting briefly for in-flight
// requests.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Router builds the route table. Exposed for tests.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.hub != nil {
		r.Handle("/bus", s.hub).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/queues", s.handleListQueues).Methods(http.MethodGet)
	v1.HandleFunc("/queues/{queue}/items", s.handleEnqueue).Methods(http.MethodPost)
	v1.HandleFunc("/queues/{queue}/dequeue", s.handleDequeue).Methods(http.MethodPost)
	v1.HandleFunc("/queues/{queue}/length", s.handleLength).Methods(http.MethodGet)

	return r
}
