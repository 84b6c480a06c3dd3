// Package metrics provides HTTP handler metrics for observability
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tphakala/pulsecheck/internal/logger"
)

// HTTPMetrics contains Prometheus metrics for the API server and its
// WebSocket stream.
type HTTPMetrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	wsActiveConnections prometheus.Gauge
	wsTotalConnections  *prometheus.CounterVec
	wsMessagesSent      prometheus.Counter
	wsMessagesDropped   prometheus.Counter
}

// NewHTTPMetrics creates and registers new HTTP handler metrics
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"}, // path is the route pattern, e.g. /api/v1/history
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time taken for HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.wsActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Currently connected WebSocket clients",
	})

	m.wsTotalConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Closed WebSocket connections partitioned by close reason",
		},
		[]string{"reason"},
	)

	m.wsMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_sent_total",
		Help: "Assessments written to WebSocket clients",
	})

	m.wsMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_dropped_total",
		Help: "Assessments dropped for slow WebSocket clients",
	})
}

// RecordHTTPRequest records one served request.
func (m *HTTPMetrics) RecordHTTPRequest(method, path string, statusCode int, seconds float64) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordWSConnected counts a new WebSocket client.
func (m *HTTPMetrics) RecordWSConnected() {
	m.wsActiveConnections.Inc()
}

// RecordWSDisconnected counts a closed WebSocket client.
func (m *HTTPMetrics) RecordWSDisconnected(reason string) {
	m.wsActiveConnections.Dec()
	m.wsTotalConnections.WithLabelValues(reason).Inc()
}

// RecordWSMessage counts a message written to a client, or dropped for it.
func (m *HTTPMetrics) RecordWSMessage(delivered bool) {
	if delivered {
		m.wsMessagesSent.Inc()
		return
	}
	m.wsMessagesDropped.Inc()
}

// GetActiveWSConnections returns the current number of WebSocket clients.
func (m *HTTPMetrics) GetActiveWSConnections() float64 {
	metric := &dto.Metric{}
	if err := m.wsActiveConnections.Write(metric); err != nil {
		GetLogger().Warn("Failed to write WebSocket active connections metric", logger.Error(err))
		return 0
	}
	if metric.Gauge != nil && metric.Gauge.Value != nil {
		return *metric.Gauge.Value
	}
	return 0
}

// Describe implements the prometheus.Collector interface.
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.httpRequestsTotal.Describe(ch)
	m.httpRequestDuration.Describe(ch)
	ch <- m.wsActiveConnections.Desc()
	m.wsTotalConnections.Describe(ch)
	ch <- m.wsMessagesSent.Desc()
	ch <- m.wsMessagesDropped.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	m.httpRequestsTotal.Collect(ch)
	m.httpRequestDuration.Collect(ch)
	ch <- m.wsActiveConnections
	m.wsTotalConnections.Collect(ch)
	ch <- m.wsMessagesSent
	ch <- m.wsMessagesDropped
}
