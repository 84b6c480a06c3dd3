// Package metrics provides custom Prometheus metrics for pulsecheck.
package metrics

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on concrete collectors.
type Recorder interface {
	// RecordOperation records an operation with its status, e.g. ("classify", "success").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type, e.g. ("classify", "timeout").
	RecordError(operation, errorType string)
}
