package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// QualityMetrics contains Prometheus metrics for the assessment pipeline.
type QualityMetrics struct {
	AssessmentsTotal  *prometheus.CounterVec
	ConfidenceHist    prometheus.Histogram
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	TriggersTotal     *prometheus.CounterVec

	ModelStateGauge    prometheus.Gauge
	WindowSamplesGauge prometheus.Gauge
	LastSequenceGauge  prometheus.Gauge

	registry *prometheus.Registry
}

// NewQualityMetrics creates and registers the pipeline metrics.
func NewQualityMetrics(registry *prometheus.Registry) (*QualityMetrics, error) {
	m := &QualityMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register quality metrics: %w", err)
	}
	return m, nil
}

func (m *QualityMetrics) initMetrics() {
	m.AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecheck_assessments_total",
			Help: "Total number of published quality assessments partitioned by label.",
		},
		[]string{"label"},
	)

	m.ConfidenceHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsecheck_assessment_confidence_percent",
		Help:    "Confidence of published assessments in percent",
		Buckets: prometheus.LinearBuckets(10, 10, 10),
	})

	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecheck_operations_total",
			Help: "Total number of pipeline operations",
		},
		[]string{"operation", "status"},
	)

	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsecheck_operation_duration_seconds",
			Help:    "Time taken by pipeline operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12), // 0.1ms to ~400ms
		},
		[]string{"operation"},
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecheck_errors_total",
			Help: "Total number of pipeline errors",
		},
		[]string{"operation", "error_type"},
	)

	m.TriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsecheck_triggers_total",
			Help: "Trigger calls partitioned by outcome",
		},
		[]string{"outcome"},
	)

	m.ModelStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsecheck_model_state",
		Help: "Classifier lifecycle state (0 unloaded, 1 loading, 2 ready, 3 failed)",
	})

	m.WindowSamplesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsecheck_window_samples",
		Help: "Samples in the most recent assessed snapshot",
	})

	m.LastSequenceGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsecheck_last_sequence",
		Help: "Sequence number of the last published assessment",
	})
}

// RecordOperation implements Recorder.
func (m *QualityMetrics) RecordOperation(operation, status string) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *QualityMetrics) RecordDuration(operation string, seconds float64) {
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *QualityMetrics) RecordError(operation, errorType string) {
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordAssessment counts a published assessment.
func (m *QualityMetrics) RecordAssessment(label string, confidence float64, seq uint64, windowLength int) {
	m.AssessmentsTotal.WithLabelValues(label).Inc()
	m.ConfidenceHist.Observe(confidence)
	m.LastSequenceGauge.Set(float64(seq))
	m.WindowSamplesGauge.Set(float64(windowLength))
}

// RecordTrigger counts a Trigger call by outcome.
func (m *QualityMetrics) RecordTrigger(outcome string) {
	m.TriggersTotal.WithLabelValues(outcome).Inc()
}

// SetModelState exports the classifier state as its numeric value.
func (m *QualityMetrics) SetModelState(state int) {
	m.ModelStateGauge.Set(float64(state))
}

// Describe implements the prometheus.Collector interface.
func (m *QualityMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.AssessmentsTotal.Describe(ch)
	ch <- m.ConfidenceHist.Desc()
	m.OperationsTotal.Describe(ch)
	m.OperationDuration.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.TriggersTotal.Describe(ch)
	ch <- m.ModelStateGauge.Desc()
	ch <- m.WindowSamplesGauge.Desc()
	ch <- m.LastSequenceGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *QualityMetrics) Collect(ch chan<- prometheus.Metric) {
	m.AssessmentsTotal.Collect(ch)
	ch <- m.ConfidenceHist
	m.OperationsTotal.Collect(ch)
	m.OperationDuration.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.TriggersTotal.Collect(ch)
	ch <- m.ModelStateGauge
	ch <- m.WindowSamplesGauge
	ch <- m.LastSequenceGauge
}
