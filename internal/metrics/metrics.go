// Package metrics exposes daemon queue activity to Prometheus. Request
// counters are incremented by the API layer; per-queue adapter statistics
// are pulled fresh at scrape time by Collector.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JTOne123/elephant/internal/registry"
)

var (
	enqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elephant_enqueue_requests_total",
			Help: "Enqueue requests accepted per queue.",
		},
		[]string{"queue"},
	)

	dequeueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elephant_dequeue_requests_total",
			Help: "Dequeue requests served per queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(enqueueTotal)
	prometheus.MustRegister(dequeueTotal)
}

// Dequeue outcomes recorded by RecordDequeue.
const (
	OutcomeItem    = "item"
	OutcomeEmpty   = "empty"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// RecordEnqueue counts one accepted enqueue request.
func RecordEnqueue(queue string) {
	enqueueTotal.WithLabelValues(queue).Inc()
}

// RecordDequeue counts one finished dequeue request.
func RecordDequeue(queue, outcome string) {
	dequeueTotal.WithLabelValues(queue, outcome).Inc()
}

var (
	waitersDesc = prometheus.NewDesc(
		"elephant_queue_waiters",
		"Blocking dequeues currently parked per queue.",
		[]string{"queue"}, nil,
	)
	wakeupsDesc = prometheus.NewDesc(
		"elephant_queue_wakeups_total",
		"Items handed to parked waiters per queue.",
		[]string{"queue"}, nil,
	)
	publishedDesc = prometheus.NewDesc(
		"elephant_queue_notifications_total",
		"Enqueue notifications published per queue.",
		[]string{"queue"}, nil,
	)
	handlerErrorsDesc = prometheus.NewDesc(
		"elephant_queue_handler_errors_total",
		"Notification handler failures per queue.",
		[]string{"queue"}, nil,
	)
	lengthDesc = prometheus.NewDesc(
		"elephant_queue_length",
		"Items stored per queue.",
		[]string{"queue"}, nil,
	)
)

// Collector reads adapter statistics from the registry on every scrape.
type Collector struct {
	reg *registry.Registry
}

func NewCollector(reg *registry.Registry) *Collector {
	return &Collector{reg: reg}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- waitersDesc
	ch <- wakeupsDesc
	ch <- publishedDesc
	ch <- handlerErrorsDesc
	ch <- lengthDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, name := range c.reg.Names() {
		q, ok := c.reg.Lookup(name)
		if !ok {
			continue
		}
		s := q.Stats()
		ch <- prometheus.MustNewConstMetric(waitersDesc, prometheus.GaugeValue, float64(s.Waiters), name)
		ch <- prometheus.MustNewConstMetric(wakeupsDesc, prometheus.CounterValue, float64(s.Wakeups), name)
		ch <- prometheus.MustNewConstMetric(publishedDesc, prometheus.CounterValue, float64(s.Published), name)
		ch <- prometheus.MustNewConstMetric(handlerErrorsDesc, prometheus.CounterValue, float64(s.HandlerErrors), name)
		if n, err := q.Len(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(lengthDesc, prometheus.GaugeValue, float64(n), name)
		}
	}
}
