// Package metrics exposes the worker's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slicer_worker"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobs             *prometheus.CounterVec
	running          prometheus.Gauge
	stageDuration    *prometheus.HistogramVec
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	leaseRenewals    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Finished jobs by outcome",
			},
			[]string{"outcome"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Jobs currently admitted",
		}),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"stage"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Messages received per queue",
			},
			[]string{"queue"},
		),
		messagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Unparsable messages dropped per queue",
			},
			[]string{"queue"},
		),
		leaseRenewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_renewals_total",
				Help:      "Batched lease renewals per queue and result",
			},
			[]string{"queue", "result"},
		),
	}

	m.registry.MustRegister(
		m.jobs,
		m.running,
		m.stageDuration,
		m.messagesReceived,
		m.messagesDropped,
		m.leaseRenewals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// JobFinished counts a terminal outcome.
func (m *Metrics) JobFinished(outcome string) {
	m.jobs.WithLabelValues(outcome).Inc()
}

// SetRunning records the admission count.
func (m *Metrics) SetRunning(n int) {
	m.running.Set(float64(n))
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// MessagesReceived counts messages handed out by a queue.
func (m *Metrics) MessagesReceived(queue string, n int) {
	m.messagesReceived.WithLabelValues(queue).Add(float64(n))
}

// MessageDropped counts an unparsable message.
func (m *Metrics) MessageDropped(queue string) {
	m.messagesDropped.WithLabelValues(queue).Inc()
}

// LeaseRenewal counts one batched renewal.
func (m *Metrics) LeaseRenewal(queue string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.leaseRenewals.WithLabelValues(queue, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
