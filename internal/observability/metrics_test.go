package observability

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiobridge/internal/device"
	"github.com/tphakala/audiobridge/internal/engine"
	"github.com/tphakala/audiobridge/internal/feeder"
	"github.com/tphakala/audiobridge/internal/hardware/hardwaretest"
	"github.com/tphakala/audiobridge/internal/logger"
)

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(&bytes.Buffer{}, logger.LogLevelError, time.UTC)
}

// TestNewMetricsConcurrency verifies that each NewMetrics call owns its
// registry, so concurrent construction never collides.
func TestNewMetricsConcurrency(t *testing.T) {
	t.Parallel()
	const numGoroutines = 20

	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Go(func() {
			m, err := NewMetrics()
			if !assert.NoError(t, err) {
				return
			}
			assert.NotNil(t, m.Registry())
			assert.NotNil(t, m.Device)
			assert.NotNil(t, m.Engine)
			assert.NotNil(t, m.Feeder)
			assert.NotNil(t, m.HTTP)
		})
	}
	wg.Wait()
}

func TestHandlerServesBoundComponents(t *testing.T) {
	t.Parallel()
	m, err := NewMetrics()
	require.NoError(t, err)

	drv := hardwaretest.NewDriver()
	s := device.NewSession(drv, device.WithLogger(quietLogger()), device.WithRecorder(m.Device))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Open(device.Config{Channels: 1, PeriodFrames: 8}))
	buf := make([]int16, 64)
	var read, write atomic.Int64
	require.NoError(t, s.InstallFIFO(buf, len(buf), &read, &write))
	require.NoError(t, s.Start())
	f, err := feeder.New(s.FIFO(), feeder.Config{StagingBytes: 128}, feeder.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(f.Stop)
	_, err = f.WriteSamples([]int16{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, 4, f.Flush())
	drv.Last().TickS16(8)

	e, err := engine.New(engine.Config{NoAutoStart: true}, hardwaretest.NewDriver(),
		engine.WithLogger(quietLogger()), engine.WithRecorder(m.Engine))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	m.BindDevice(s)
	m.BindEngine(e)
	m.BindFeeder(f)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	text := string(body)
	assert.Contains(t, text, "audiobridge_device_frames_consumed_total 8")
	assert.Contains(t, text, "audiobridge_device_samples_delivered_total 4")
	assert.Contains(t, text, "audiobridge_device_underruns_total 1")
	assert.Contains(t, text, "audiobridge_device_state 2")
	assert.Contains(t, text, `audiobridge_device_operations_total{operation="open",status="success"} 1`)
	assert.Contains(t, text, "audiobridge_engine_running 0")
	assert.Contains(t, text, "audiobridge_feeder_samples_moved_total 4")
	assert.Contains(t, text, "go_goroutines")
}

func TestUnbindStopsReporting(t *testing.T) {
	t.Parallel()
	m, err := NewMetrics()
	require.NoError(t, err)

	s := device.NewSession(hardwaretest.NewDriver(), device.WithLogger(quietLogger()))
	m.BindDevice(s)
	n, err := testutil.GatherAndCount(m.Registry(), "audiobridge_device_state")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m.BindDevice(nil)
	n, err = testutil.GatherAndCount(m.Registry(), "audiobridge_device_state")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegisterHandlers(t *testing.T) {
	t.Parallel()
	m, err := NewMetrics()
	require.NoError(t, err)

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "process_start_time_seconds")
}
