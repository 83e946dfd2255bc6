// Package metricstest provides a metrics.Recorder that remembers what it was
// given, for tests of instrumented components.
package metricstest

import (
	"slices"
	"sync"
)

// Recorder captures recorded metrics for verification in tests.
type Recorder struct {
	mu         sync.RWMutex
	operations map[string]map[string]int // operation -> status -> count
	durations  map[string][]float64      // operation -> durations
	errors     map[string]map[string]int // operation -> errorType -> count
	decoded    map[string][]int          // format -> decoded sizes
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		operations: make(map[string]map[string]int),
		durations:  make(map[string][]float64),
		errors:     make(map[string]map[string]int),
		decoded:    make(map[string][]int),
	}
}

// RecordOperation implements metrics.Recorder.
func (r *Recorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.operations[operation] == nil {
		r.operations[operation] = make(map[string]int)
	}
	r.operations[operation][status]++
}

// RecordDuration implements metrics.Recorder.
func (r *Recorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.durations[operation] = append(r.durations[operation], seconds)
}

// RecordError implements metrics.Recorder.
func (r *Recorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errors[operation] == nil {
		r.errors[operation] = make(map[string]int)
	}
	r.errors[operation][errorType]++
}

// RecordDecodedSize mirrors metrics.EngineMetrics.
func (r *Recorder) RecordDecodedSize(format string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoded[format] = append(r.decoded[format], bytes)
}

// DecodedSizes returns a copy of the sizes recorded for format.
func (r *Recorder) DecodedSizes(format string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.decoded[format])
}

// OperationCount returns how often operation was recorded with status.
func (r *Recorder) OperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[operation][status]
}

// Durations returns a copy of the durations recorded for operation.
func (r *Recorder) Durations(operation string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.durations[operation])
}

// ErrorCount returns how often errorType was recorded for operation.
func (r *Recorder) ErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errors[operation][errorType]
}

// Empty reports whether nothing has been recorded.
func (r *Recorder) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operations) == 0 && len(r.durations) == 0 && len(r.errors) == 0 && len(r.decoded) == 0
}

// Reset clears all recorded metrics.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.operations = make(map[string]map[string]int)
	r.durations = make(map[string][]float64)
	r.errors = make(map[string]map[string]int)
	r.decoded = make(map[string][]int)
}
