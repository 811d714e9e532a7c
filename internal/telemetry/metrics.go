// Package telemetry exposes the Prometheus metrics of the worker and the API.
package telemetry

import (
	"net/http"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/breaker"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted    *prometheus.CounterVec
	jobsProcessed    *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	waitQueueDepth   *prometheus.GaugeVec
	waitQueueAlerts  *prometheus.CounterVec
	rateLimitRejects prometheus.Counter
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Jobs accepted by the broker",
		}, []string{"class"}),

		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Deliveries settled, by terminal decision",
		}, []string{"class", "outcome"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_handler_duration_seconds",
			Help:    "Downstream call duration including breaker short-circuits",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"class"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"class"}),

		waitQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wait_queue_depth",
			Help: "Messages waiting for a delayed retry",
		}, []string{"queue"}),

		waitQueueAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wait_queue_alerts_total",
			Help: "Polls where a wait queue was above its alert threshold",
		}, []string{"queue"}),

		rateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "api_rate_limit_rejects_total",
			Help: "Submissions rejected by the rate limiter",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsSubmitted,
		m.jobsProcessed,
		m.handlerDuration,
		m.breakerState,
		m.waitQueueDepth,
		m.waitQueueAlerts,
		m.rateLimitRejects,
	)

	return m
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobSubmitted(class domain.JobClass) {
	m.jobsSubmitted.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) JobOutcome(class domain.JobClass, outcome string) {
	m.jobsProcessed.WithLabelValues(string(class), outcome).Inc()
}

func (m *Metrics) HandlerDuration(class domain.JobClass, d time.Duration) {
	m.handlerDuration.WithLabelValues(string(class)).Observe(d.Seconds())
}

// BreakerStateChanged has the shape of breaker.StateListener
func (m *Metrics) BreakerStateChanged(name string, _, to breaker.State) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

func (m *Metrics) WaitQueueDepth(queue string, depth int) {
	m.waitQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) WaitQueueAlert(queue string) {
	m.waitQueueAlerts.WithLabelValues(queue).Inc()
}

func (m *Metrics) RateLimited() {
	m.rateLimitRejects.Inc()
}
