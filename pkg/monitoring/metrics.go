package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection.
// Each collector owns its registry so several can coexist in one process.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	dbQueryDuration     *prometheus.HistogramVec
	timelineWrites      *prometheus.CounterVec
	timelineConflicts   *prometheus.CounterVec
	feedPublished       *prometheus.CounterVec
	feedResyncs         *prometheus.CounterVec
	reconcilerRefetches *prometheus.CounterVec
	deadlineCascades    *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		dbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"query_type", "service"},
		),
		timelineWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_writes_total",
				Help: "Total number of timeline mutations by outcome",
			},
			[]string{"operation", "kind", "result", "service"},
		),
		timelineConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_conflicts_total",
				Help: "Total number of rejected overlapping bookings",
			},
			[]string{"kind", "service"},
		),
		feedPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changefeed_published_total",
				Help: "Total number of change notifications published",
			},
			[]string{"topic", "result", "service"},
		),
		feedResyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changefeed_resyncs_total",
				Help: "Total number of resync signals raised by subscriptions",
			},
			[]string{"topic", "service"},
		),
		reconcilerRefetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_refetch_total",
				Help: "Total number of full timeline refetches by reconcilers",
			},
			[]string{"result", "service"},
		),
		deadlineCascades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deadline_cascades_total",
				Help: "Total number of deadline cascade runs",
			},
			[]string{"anchor", "result", "service"},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dbQueryDuration,
		m.timelineWrites,
		m.timelineConflicts,
		m.feedPublished,
		m.feedResyncs,
		m.reconcilerRefetches,
		m.deadlineCascades,
	)

	return m
}

// Registry exposes the underlying registry, e.g. for tests
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordDBQuery records database query metrics
func (m *MetricsCollector) RecordDBQuery(queryType string, duration time.Duration) {
	m.dbQueryDuration.WithLabelValues(queryType, m.serviceName).Observe(duration.Seconds())
}

// RecordWrite records a timeline mutation outcome
func (m *MetricsCollector) RecordWrite(operation, kind, result string) {
	m.timelineWrites.WithLabelValues(operation, kind, result, m.serviceName).Inc()
}

// RecordConflict records a rejected overlapping booking
func (m *MetricsCollector) RecordConflict(kind string) {
	m.timelineConflicts.WithLabelValues(kind, m.serviceName).Inc()
}

// RecordPublish records a change notification publish attempt
func (m *MetricsCollector) RecordPublish(topic string, success bool) {
	m.feedPublished.WithLabelValues(topic, result(success), m.serviceName).Inc()
}

// RecordResync records a resync signal raised on a subscription
func (m *MetricsCollector) RecordResync(topic string) {
	m.feedResyncs.WithLabelValues(topic, m.serviceName).Inc()
}

// RecordRefetch records a reconciler refetch
func (m *MetricsCollector) RecordRefetch(success bool) {
	m.reconcilerRefetches.WithLabelValues(result(success), m.serviceName).Inc()
}

// RecordCascade records a deadline cascade run
func (m *MetricsCollector) RecordCascade(anchor string, success bool) {
	m.deadlineCascades.WithLabelValues(anchor, result(success), m.serviceName).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// statusLabel formats a status code as a metric label
func statusLabel(code int) string {
	return strconv.Itoa(code)
}
