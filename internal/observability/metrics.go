package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide prometheus instrumentation. All methods are
// nil-receiver safe so instrumentation stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	stageDuration  *prometheus.HistogramVec
	circuitState   *prometheus.GaugeVec
	sseSubscribers prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tddforge",
			Name:      "tasks_completed_total",
			Help:      "Tasks that reached complete.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tddforge",
			Name:      "tasks_failed_total",
			Help:      "Tasks that ended blocked or blocked-static-review.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tddforge",
			Name:      "stage_duration_seconds",
			Help:      "Wall time per external stage invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tddforge",
			Name:      "circuit_open",
			Help:      "1 when the circuit is not closed.",
		}, []string{"level", "identifier"}),
		sseSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tddforge",
			Name:      "sse_subscribers",
			Help:      "Live SSE subscriber count.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tddforge",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tddforge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksCompleted,
		m.tasksFailed,
		m.stageDuration,
		m.circuitState,
		m.sseSubscribers,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}
	m.tasksCompleted.Inc()
}

func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasksFailed.Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) SetCircuitOpen(level, identifier string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.circuitState.WithLabelValues(level, identifier).Set(v)
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.sseSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.sseSubscribers.Dec()
}

func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
