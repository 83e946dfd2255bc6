// Package metrics provides custom Prometheus metrics for audiobridge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on a concrete collector so tests can
// substitute their own.
type Recorder interface {
	// RecordOperation records an operation with its status
	// (e.g. "open", "success").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type.
	// The errorType is usually an error category such as "audio-device".
	RecordError(operation, errorType string)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) RecordOperation(string, string) {}
func (discard) RecordDuration(string, float64) {}
func (discard) RecordError(string, string)     {}

// operationMetrics is the Recorder half shared by the component collectors.
type operationMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
}

func newOperationMetrics(subsystem string) operationMetrics {
	return operationMetrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "operations_total",
				Help:      "Total number of " + subsystem + " operations",
			},
			[]string{"operation", "status"}, // status: success, error
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Time taken by " + subsystem + " operations",
				Buckets:   prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15), // 0.1ms to ~1.6s
			},
			[]string{"operation"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Total number of " + subsystem + " errors",
			},
			[]string{"operation", "error_type"},
		),
	}
}

// RecordOperation implements Recorder.
func (o operationMetrics) RecordOperation(operation, status string) {
	o.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (o operationMetrics) RecordDuration(operation string, seconds float64) {
	o.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (o operationMetrics) RecordError(operation, errorType string) {
	o.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

func (o operationMetrics) describe(ch chan<- *prometheus.Desc) {
	o.operationsTotal.Describe(ch)
	o.operationDuration.Describe(ch)
	o.errorsTotal.Describe(ch)
}

func (o operationMetrics) collect(ch chan<- prometheus.Metric) {
	o.operationsTotal.Collect(ch)
	o.operationDuration.Collect(ch)
	o.errorsTotal.Collect(ch)
}
