package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SourceMetrics contains Prometheus metrics for sample input adapters.
type SourceMetrics struct {
	SamplesTotal *prometheus.CounterVec
	FramesTotal  *prometheus.CounterVec
	DroppedTotal *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewSourceMetrics creates and registers source metrics.
func NewSourceMetrics(registry *prometheus.Registry) (*SourceMetrics, error) {
	m := &SourceMetrics{registry: registry}
	m.SamplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_samples_total",
		Help: "Samples appended to the waveform window",
	}, []string{"source"})
	m.FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_frames_total",
		Help: "Frames received from the source",
	}, []string{"source"})
	m.DroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_dropped_samples_total",
		Help: "Samples discarded by the capture buffer on overflow",
	}, []string{"source"})
	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_errors_total",
		Help: "Malformed frames and read errors",
	}, []string{"source", "error_type"})

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register source metrics: %w", err)
	}
	return m, nil
}

// RecordFrame counts one frame of n samples.
func (m *SourceMetrics) RecordFrame(source string, n int) {
	m.FramesTotal.WithLabelValues(source).Inc()
	m.SamplesTotal.WithLabelValues(source).Add(float64(n))
}

// AddDropped counts samples lost to capture buffer overflow.
func (m *SourceMetrics) AddDropped(source string, n uint64) {
	if n > 0 {
		m.DroppedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// RecordError counts a source error.
func (m *SourceMetrics) RecordError(source, errorType string) {
	m.ErrorsTotal.WithLabelValues(source, errorType).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *SourceMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.SamplesTotal.Describe(ch)
	m.FramesTotal.Describe(ch)
	m.DroppedTotal.Describe(ch)
	m.ErrorsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *SourceMetrics) Collect(ch chan<- prometheus.Metric) {
	m.SamplesTotal.Collect(ch)
	m.FramesTotal.Collect(ch)
	m.DroppedTotal.Collect(ch)
	m.ErrorsTotal.Collect(ch)
}
