package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMetricsReportBoundSnapshot(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := NewDeviceMetrics(registry)
	require.NoError(t, err)

	// Nothing bound: only the operation vectors, which are still empty.
	n, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Zero(t, n)

	m.Bind(func() DeviceSnapshot {
		return DeviceSnapshot{
			State:          2,
			FramesConsumed: 4800,
			Underruns:      3,
			FIFOAvailable:  128,
			MasterVolume:   0.5,
		}
	})

	expected := `
# HELP audiobridge_device_frames_consumed_total Frames requested by the hardware since the stream was opened
# TYPE audiobridge_device_frames_consumed_total counter
audiobridge_device_frames_consumed_total 4800
# HELP audiobridge_device_underruns_total Callbacks the FIFO could not fully serve
# TYPE audiobridge_device_underruns_total counter
audiobridge_device_underruns_total 3
# HELP audiobridge_device_fifo_available_samples Samples waiting in the FIFO
# TYPE audiobridge_device_fifo_available_samples gauge
audiobridge_device_fifo_available_samples 128
# HELP audiobridge_device_state Session state (0 uninitialized, 1 initialized, 2 started)
# TYPE audiobridge_device_state gauge
audiobridge_device_state 2
# HELP audiobridge_device_master_volume Master volume applied in the pull callback
# TYPE audiobridge_device_master_volume gauge
audiobridge_device_master_volume 0.5
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"audiobridge_device_frames_consumed_total",
		"audiobridge_device_underruns_total",
		"audiobridge_device_fifo_available_samples",
		"audiobridge_device_state",
		"audiobridge_device_master_volume",
	))

	m.Bind(nil)
	n, err = testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeviceMetricsRecorder(t *testing.T) {
	t.Parallel()
	m, err := NewDeviceMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	var r Recorder = m
	r.RecordOperation(OpOpen, StatusSuccess)
	r.RecordOperation(OpOpen, StatusSuccess)
	r.RecordOperation(OpStart, StatusError)
	r.RecordError(OpStart, "audio-device")
	r.RecordDuration(OpOpen, 0.01)

	assert.InDelta(t, 2, testutil.ToFloat64(m.operationsTotal.WithLabelValues(OpOpen, StatusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operationsTotal.WithLabelValues(OpStart, StatusError)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues(OpStart, "audio-device")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.operationDuration))
}

func TestEngineMetrics(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := NewEngineMetrics(registry)
	require.NoError(t, err)

	m.Bind(func() EngineSnapshot {
		return EngineSnapshot{Running: true, Passes: 7, Sounds: 2, CacheHits: 5, CacheEntries: 1}
	})
	m.RecordOperation(OpPlaySound, StatusSuccess)
	m.RecordDecodedSize("wav", 4096)

	expected := `
# HELP audiobridge_engine_running Whether the engine's device is started
# TYPE audiobridge_engine_running gauge
audiobridge_engine_running 1
# HELP audiobridge_engine_passes_total Processing passes rendered
# TYPE audiobridge_engine_passes_total counter
audiobridge_engine_passes_total 7
# HELP audiobridge_engine_sounds Live sounds
# TYPE audiobridge_engine_sounds gauge
audiobridge_engine_sounds 2
# HELP audiobridge_engine_decode_cache_hits_total Sound loads served from the decode cache
# TYPE audiobridge_engine_decode_cache_hits_total counter
audiobridge_engine_decode_cache_hits_total 5
# HELP audiobridge_engine_operations_total Total number of engine operations
# TYPE audiobridge_engine_operations_total counter
audiobridge_engine_operations_total{operation="play_sound",status="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"audiobridge_engine_running",
		"audiobridge_engine_passes_total",
		"audiobridge_engine_sounds",
		"audiobridge_engine_decode_cache_hits_total",
		"audiobridge_engine_operations_total",
	))
	assert.Equal(t, 1, testutil.CollectAndCount(m.decodedBytes))
}

// gatherFamily returns the named metric family from registry.
func gatherFamily(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestEngineDecodedSizeHistogram(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := NewEngineMetrics(registry)
	require.NoError(t, err)

	m.RecordDecodedSize("flac", 100)
	m.RecordDecodedSize("flac", 1<<20)
	m.RecordDecodedSize("mp3", 10)

	mf := gatherFamily(t, registry, "audiobridge_engine_decoded_size_bytes")
	require.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())
	counts := map[string]uint64{}
	for _, metric := range mf.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "format" {
				counts[label.GetValue()] = metric.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, map[string]uint64{"flac": 2, "mp3": 1}, counts)
}

func TestFeederMetricsUtilization(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := NewFeederMetrics(registry)
	require.NoError(t, err)

	snap := FeederSnapshot{StagedBytes: 256, StagingCapacity: 1024, BytesDropped: 10}
	m.Bind(func() FeederSnapshot { return snap })

	expected := `
# HELP audiobridge_feeder_staging_utilization_ratio Staging buffer utilization (0.0 to 1.0)
# TYPE audiobridge_feeder_staging_utilization_ratio gauge
audiobridge_feeder_staging_utilization_ratio 0.25
# HELP audiobridge_feeder_bytes_dropped_total Bytes dropped because the staging buffer was full
# TYPE audiobridge_feeder_bytes_dropped_total counter
audiobridge_feeder_bytes_dropped_total 10
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"audiobridge_feeder_staging_utilization_ratio",
		"audiobridge_feeder_bytes_dropped_total",
	))

	snap = FeederSnapshot{}
	expected = `
# HELP audiobridge_feeder_staging_utilization_ratio Staging buffer utilization (0.0 to 1.0)
# TYPE audiobridge_feeder_staging_utilization_ratio gauge
audiobridge_feeder_staging_utilization_ratio 0
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"audiobridge_feeder_staging_utilization_ratio"))
}

func TestHTTPMetrics(t *testing.T) {
	t.Parallel()
	m, err := NewHTTPMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordHTTPRequest("GET", "/api/v1/status", 200, 0.002)
	m.RecordHTTPRequest("GET", "/api/v1/status", 200, 0.003)
	m.RecordHTTPRequestError("PUT", "/api/v1/device/volume", "validation")
	m.RecordHTTPResponseSize("GET", "/api/v1/status", 512)

	assert.InDelta(t, 2, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/v1/status", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequestErrors.WithLabelValues("PUT", "/api/v1/device/volume", "validation")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.httpResponseSize))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	_, err := NewDeviceMetrics(registry)
	require.NoError(t, err)
	_, err = NewDeviceMetrics(registry)
	require.Error(t, err)
}

func TestDiscardRecorder(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		Discard.RecordOperation(OpStage, StatusSuccess)
		Discard.RecordDuration(OpStage, 1)
		Discard.RecordError(OpStage, "buffer")
	})
}
