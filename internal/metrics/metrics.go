// Package metrics exposes Prometheus instrumentation for the delivery engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	defaultInstance *Metrics
	defaultOnce     sync.Once
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration prometheus.Histogram
	RecipientsTotal *prometheus.CounterVec
	DSNTotal        *prometheus.CounterVec
	EnqueueErrors   prometheus.Counter
	QueuedMessages  prometheus.Gauge
	InFlight        prometheus.Gauge
	HostBreaker     *prometheus.GaugeVec
}

// Default returns the process-wide instance registered on the default
// Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInstance = New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return defaultInstance
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_delivery_attempts_total",
			Help: "Delivery attempts by result",
		}, []string{"result"}),
		AttemptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayq_delivery_attempt_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.DefBuckets,
		}),
		RecipientsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_recipients_total",
			Help: "Recipient outcomes by status",
		}, []string{"status"}),
		DSNTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_dsn_generated_total",
			Help: "Delivery status notifications generated by action",
		}, []string{"action"}),
		EnqueueErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relayq_enqueue_errors_total",
			Help: "Messages rejected at enqueue",
		}),
		QueuedMessages: f.NewGauge(prometheus.GaugeOpts{
			Name: "relayq_queue_messages",
			Help: "Messages currently queued",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "relayq_attempts_in_flight",
			Help: "Delivery attempts currently running",
		}),
		HostBreaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayq_host_breaker_state",
			Help: "Circuit breaker state per remote host (0 closed, 1 half-open, 2 open)",
		}, []string{"host"}),
	}
}

// ObserveAttempt records a finished attempt.
func (m *Metrics) ObserveAttempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(result).Inc()
	m.AttemptDuration.Observe(d.Seconds())
}

// Recipient records the final or interim status of one recipient.
func (m *Metrics) Recipient(status string) {
	if m == nil {
		return
	}
	m.RecipientsTotal.WithLabelValues(status).Inc()
}

// DSN records a generated notification.
func (m *Metrics) DSN(action string) {
	if m == nil {
		return
	}
	m.DSNTotal.WithLabelValues(action).Inc()
}

// EnqueueError records a rejected enqueue.
func (m *Metrics) EnqueueError() {
	if m == nil {
		return
	}
	m.EnqueueErrors.Inc()
}

// SetQueued sets the number of queued messages.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.QueuedMessages.Set(float64(n))
}

// AttemptStarted and AttemptFinished track in-flight attempts.
func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) AttemptFinished() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

// SetBreakerState records the breaker state of host.
func (m *Metrics) SetBreakerState(host string, state int) {
	if m == nil {
		return
	}
	m.HostBreaker.WithLabelValues(host).Set(float64(state))
}

// Handler serves the registry this instance was created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
