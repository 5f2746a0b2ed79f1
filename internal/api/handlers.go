package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"github.com/JTOne123/elephant/internal/metrics"
	"github.com/JTOne123/elephant/internal/registry"
	"github.com/JTOne123/elephant/pkg/queue"
)

const (
	maxPayloadBytes = 8 << 20
	maxWait         = 5 * time.Minute
)

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		log.WithFields(log.Fields{
			"requestId": id,
			"method":    r.Method,
			"path":      r.URL.Path,
		}).Debug("Handling API request")
		next.ServeHTTP(w, r)
	})
}

// getQueue resolves the {queue} route variable, writing the error
// response itself when resolution fails.
func (s *Service) getQueue(w http.ResponseWriter, r *http.Request) (*queue.BlockingQueue[[]byte], string, bool) {
	name := mux.Vars(r)["queue"]
	q, err := s.registry.Get(name)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidName):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, registry.ErrClosed):
			http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil, name, false
	}
	return q, name, true
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q, name, ok := s.getQueue(w, r)
	if !ok {
		return
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxPayloadBytes)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "Failed to read payload", http.StatusBadRequest)
		}
		return
	}

	// The buffer goes back to the pool; the queue needs its own copy.
	item := append([]byte(nil), buf.B...)
	if err := q.Enqueue(r.Context(), item); err != nil {
		log.WithField("queue", name).WithError(err).Error("Enqueue failed")
		if errors.Is(err, queue.ErrClosed) {
			http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	metrics.RecordEnqueue(name)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleDequeue(w http.ResponseWriter, r *http.Request) {
	q, name, ok := s.getQueue(w, r)
	if !ok {
		return
	}

	waitParam := r.URL.Query().Get("wait")
	if waitParam == "" || waitParam == "0" {
		item, found, err := q.TryDequeue(r.Context())
		if err != nil {
			s.respondDequeueError(w, name, err)
			return
		}
		if !found {
			metrics.RecordDequeue(name, metrics.OutcomeEmpty)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		metrics.RecordDequeue(name, metrics.OutcomeItem)
		writeItem(w, item)
		return
	}

	wait, err := time.ParseDuration(waitParam)
	if err != nil || wait < 0 {
		http.Error(w, "Invalid wait duration", http.StatusBadRequest)
		return
	}
	if wait > maxWait {
		wait = maxWait
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	item, err := q.Dequeue(ctx)
	switch {
	case err == nil:
		metrics.RecordDequeue(name, metrics.OutcomeItem)
		writeItem(w, item)
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RecordDequeue(name, metrics.OutcomeTimeout)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing left to answer.
	default:
		s.respondDequeueError(w, name, err)
	}
}

func (s *Service) respondDequeueError(w http.ResponseWriter, name string, err error) {
	metrics.RecordDequeue(name, metrics.OutcomeError)
	if errors.Is(err, queue.ErrClosed) {
		http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
		return
	}
	log.WithField("queue", name).WithError(err).Error("Dequeue failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Service) handleLength(w http.ResponseWriter, r *http.Request) {
	q, name, ok := s.getQueue(w, r)
	if !ok {
		return
	}

	n, err := q.Len(r.Context())
	if err != nil {
		log.WithField("queue", name).WithError(err).Error("Length lookup failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(LengthResponse{Queue: name, Length: n}); err != nil {
		log.WithError(err).Debug("Failed to encode length response")
	}
}

func (s *Service) handleListQueues(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(QueueListResponse{Queues: s.registry.Names()}); err != nil {
		log.WithError(err).Debug("Failed to encode queue list")
	}
}

func writeItem(w http.ResponseWriter, item []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(item); err != nil {
		log.WithError(err).Debug("Failed to write dequeued item")
	}
}
