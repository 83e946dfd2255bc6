// Package metrics provides device session metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/audiobridge/internal/logger"
)

const deviceSubsystem = "device"

// DeviceSnapshot is what the device collector reads at scrape time.
type DeviceSnapshot struct {
	State            int // 0 uninitialized, 1 initialized, 2 started
	FramesConsumed   uint64
	SamplesDelivered uint64
	Underruns        uint64
	Callbacks        uint64
	UnexpectedStops  uint64
	FIFOAvailable    int
	FIFOCapacity     int
	MasterVolume     float64
	SampleRate       int
	Channels         int
}

// DeviceMetrics contains Prometheus metrics for a device session.
type DeviceMetrics struct {
	registry *prometheus.Registry

	operationMetrics
	snapshot snapshotCollector[DeviceSnapshot]
}

// NewDeviceMetrics creates and registers new device metrics
func NewDeviceMetrics(registry *prometheus.Registry) (*DeviceMetrics, error) {
	m := &DeviceMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DeviceMetrics) initMetrics() {
	m.operationMetrics = newOperationMetrics(deviceSubsystem)

	s := &m.snapshot
	s.add(deviceSubsystem, "frames_consumed_total", "Frames requested by the hardware since the stream was opened",
		prometheus.CounterValue, func(d DeviceSnapshot) float64 { return float64(d.FramesConsumed) })
	s.add(deviceSubsystem, "samples_delivered_total", "Samples taken from the FIFO by the pull callback",
		prometheus.CounterValue, func(d DeviceSnapshot) float64 { return float64(d.SamplesDelivered) })
	s.add(deviceSubsystem, "underruns_total", "Callbacks the FIFO could not fully serve",
		prometheus.CounterValue, func(d DeviceSnapshot) float64 { return float64(d.Underruns) })
	s.add(deviceSubsystem, "callbacks_total", "Pull callbacks invoked by the hardware",
		prometheus.CounterValue, func(d DeviceSnapshot) float64 { return float64(d.Callbacks) })
	s.add(deviceSubsystem, "unexpected_stops_total", "Times the backend stopped the stream on its own",
		prometheus.CounterValue, func(d DeviceSnapshot) float64 { return float64(d.UnexpectedStops) })
	s.add(deviceSubsystem, "fifo_available_samples", "Samples waiting in the FIFO",
		prometheus.GaugeValue, func(d DeviceSnapshot) float64 { return float64(d.FIFOAvailable) })
	s.add(deviceSubsystem, "fifo_capacity_samples", "FIFO capacity in samples, zero when none is installed",
		prometheus.GaugeValue, func(d DeviceSnapshot) float64 { return float64(d.FIFOCapacity) })
	s.add(deviceSubsystem, "state", "Session state (0 uninitialized, 1 initialized, 2 started)",
		prometheus.GaugeValue, func(d DeviceSnapshot) float64 { return float64(d.State) })
	s.add(deviceSubsystem, "master_volume", "Master volume applied in the pull callback",
		prometheus.GaugeValue, func(d DeviceSnapshot) float64 { return d.MasterVolume })
	s.add(deviceSubsystem, "sample_rate_hertz", "Sample rate of the open stream",
		prometheus.GaugeValue, func(d DeviceSnapshot) float64 { return float64(d.SampleRate) })
	s.add(deviceSubsystem, "channels", "Channel count of the open stream",
		prometheus.GaugeValue, func(d DeviceSnapshot) float64 { return float64(d.Channels) })
}

// Bind makes the collector report source at scrape time. Binding nil
// stops reporting the snapshot metrics.
func (m *DeviceMetrics) Bind(source func() DeviceSnapshot) {
	m.snapshot.bind(source)
	log.Debug("device metrics bound", logger.Bool("bound", source != nil))
}

// Describe implements the prometheus.Collector interface
func (m *DeviceMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.describe(ch)
	m.snapshot.describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *DeviceMetrics) Collect(ch chan<- prometheus.Metric) {
	m.collect(ch)
	m.snapshot.collect(ch)
}
