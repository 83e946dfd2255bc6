package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const feederSubsystem = "feeder"

// FeederSnapshot is what the feeder collector reads at scrape time.
type FeederSnapshot struct {
	BytesIn         uint64
	BytesDropped    uint64
	SamplesMoved    uint64
	StagedBytes     int
	StagingCapacity int
}

// FeederMetrics contains Prometheus metrics for the FIFO feeder.
type FeederMetrics struct {
	registry *prometheus.Registry

	operationMetrics
	snapshot snapshotCollector[FeederSnapshot]
}

// NewFeederMetrics creates and registers new feeder metrics
func NewFeederMetrics(registry *prometheus.Registry) (*FeederMetrics, error) {
	m := &FeederMetrics{registry: registry}
	m.operationMetrics = newOperationMetrics(feederSubsystem)

	s := &m.snapshot
	s.add(feederSubsystem, "bytes_in_total", "Bytes accepted into the staging buffer",
		prometheus.CounterValue, func(f FeederSnapshot) float64 { return float64(f.BytesIn) })
	s.add(feederSubsystem, "bytes_dropped_total", "Bytes dropped because the staging buffer was full",
		prometheus.CounterValue, func(f FeederSnapshot) float64 { return float64(f.BytesDropped) })
	s.add(feederSubsystem, "samples_moved_total", "Samples copied into the device FIFO",
		prometheus.CounterValue, func(f FeederSnapshot) float64 { return float64(f.SamplesMoved) })
	s.add(feederSubsystem, "staged_bytes", "Bytes waiting in the staging buffer",
		prometheus.GaugeValue, func(f FeederSnapshot) float64 { return float64(f.StagedBytes) })
	s.add(feederSubsystem, "staging_utilization_ratio", "Staging buffer utilization (0.0 to 1.0)",
		prometheus.GaugeValue, func(f FeederSnapshot) float64 {
			if f.StagingCapacity == 0 {
				return 0
			}
			return float64(f.StagedBytes) / float64(f.StagingCapacity)
		})

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Bind makes the collector report source at scrape time.
func (m *FeederMetrics) Bind(source func() FeederSnapshot) {
	m.snapshot.bind(source)
}

// Describe implements the prometheus.Collector interface
func (m *FeederMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.describe(ch)
	m.snapshot.describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *FeederMetrics) Collect(ch chan<- prometheus.Metric) {
	m.collect(ch)
	m.snapshot.collect(ch)
}
