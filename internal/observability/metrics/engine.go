// Package metrics provides engine metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/audiobridge/internal/logger"
)

const engineSubsystem = "engine"

// EngineSnapshot is what the engine collector reads at scrape time.
type EngineSnapshot struct {
	Running      bool
	TimeFrames   uint64
	Passes       uint64
	SkippedReads uint64
	Nodes        int
	Sounds       int
	Volume       float64
	SampleRate   int

	CacheHits    uint64
	CacheDecodes uint64
	CacheEntries int
}

// EngineMetrics contains Prometheus metrics for the engine and its decode cache.
type EngineMetrics struct {
	registry *prometheus.Registry

	operationMetrics
	decodedBytes *prometheus.HistogramVec
	snapshot     snapshotCollector[EngineSnapshot]
}

// NewEngineMetrics creates and registers new engine metrics
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EngineMetrics) initMetrics() {
	m.operationMetrics = newOperationMetrics(engineSubsystem)

	m.decodedBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: engineSubsystem,
			Name:      "decoded_size_bytes",
			Help:      "Size of decoded PCM held for a sound",
			Buckets:   prometheus.ExponentialBuckets(BucketStart64B, BucketFactor4, BucketCount12), // 64B to ~268MB
		},
		[]string{"format"},
	)

	s := &m.snapshot
	s.add(engineSubsystem, "running", "Whether the engine's device is started",
		prometheus.GaugeValue, func(e EngineSnapshot) float64 { return boolValue(e.Running) })
	s.add(engineSubsystem, "time_frames", "Engine clock in output frames",
		prometheus.CounterValue, func(e EngineSnapshot) float64 { return float64(e.TimeFrames) })
	s.add(engineSubsystem, "passes_total", "Processing passes rendered",
		prometheus.CounterValue, func(e EngineSnapshot) float64 { return float64(e.Passes) })
	s.add(engineSubsystem, "skipped_reads_total", "Reads that found another pass in progress",
		prometheus.CounterValue, func(e EngineSnapshot) float64 { return float64(e.SkippedReads) })
	s.add(engineSubsystem, "nodes", "Nodes attached to the graph",
		prometheus.GaugeValue, func(e EngineSnapshot) float64 { return float64(e.Nodes) })
	s.add(engineSubsystem, "sounds", "Live sounds",
		prometheus.GaugeValue, func(e EngineSnapshot) float64 { return float64(e.Sounds) })
	s.add(engineSubsystem, "volume", "Endpoint volume",
		prometheus.GaugeValue, func(e EngineSnapshot) float64 { return e.Volume })
	s.add(engineSubsystem, "sample_rate_hertz", "Engine sample rate",
		prometheus.GaugeValue, func(e EngineSnapshot) float64 { return float64(e.SampleRate) })
	s.add(engineSubsystem, "decode_cache_hits_total", "Sound loads served from the decode cache",
		prometheus.CounterValue, func(e EngineSnapshot) float64 { return float64(e.CacheHits) })
	s.add(engineSubsystem, "decode_cache_decodes_total", "Files decoded by the decode cache",
		prometheus.CounterValue, func(e EngineSnapshot) float64 { return float64(e.CacheDecodes) })
	s.add(engineSubsystem, "decode_cache_entries", "Decoded files held by the cache",
		prometheus.GaugeValue, func(e EngineSnapshot) float64 { return float64(e.CacheEntries) })
}

// RecordDecodedSize records the size of a decoded sound.
func (m *EngineMetrics) RecordDecodedSize(format string, bytes int) {
	m.decodedBytes.WithLabelValues(format).Observe(float64(bytes))
}

// Bind makes the collector report source at scrape time.
func (m *EngineMetrics) Bind(source func() EngineSnapshot) {
	m.snapshot.bind(source)
	log.Debug("engine metrics bound", logger.Bool("bound", source != nil))
}

// Describe implements the prometheus.Collector interface
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.describe(ch)
	m.decodedBytes.Describe(ch)
	m.snapshot.describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.collect(ch)
	m.decodedBytes.Collect(ch)
	m.snapshot.collect(ch)
}
