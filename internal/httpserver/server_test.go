package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/tphakala/audiobridge/internal/device"
	"github.com/tphakala/audiobridge/internal/engine"
	"github.com/tphakala/audiobridge/internal/hardware/hardwaretest"
	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(&bytes.Buffer{}, logger.LogLevelError, time.UTC)
}

type fixture struct {
	srv     *Server
	drv     *hardwaretest.Driver
	session *device.Session
	engine  *engine.Engine
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{drv: hardwaretest.NewDriver()}

	f.session = device.NewSession(f.drv, device.WithLogger(quietLogger()))
	require.NoError(t, f.session.Open(device.Config{Channels: 2, PeriodFrames: 8}))
	t.Cleanup(func() { _ = f.session.Close() })

	var err error
	f.engine, err = engine.New(engine.Config{NoAutoStart: true}, hardwaretest.NewDriver(), engine.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.engine.Close() })

	f.metrics, err = observability.NewMetrics()
	require.NoError(t, err)

	f.srv = New(Config{},
		WithLogger(quietLogger()),
		WithDevice(f.session),
		WithEngine(f.engine),
		WithMetrics(f.metrics))
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var read, write atomic.Int64
	require.NoError(t, f.session.InstallFIFO(make([]int16, 32), 32, &read, &write))
	write.Store(6)
	require.NoError(t, f.session.Start())
	f.drv.Last().TickS16(8)

	rec := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[Status](t, rec)

	require.NotNil(t, st.Device)
	assert.Equal(t, f.session.ID(), st.Device.ID)
	assert.Equal(t, "started", st.Device.State)
	assert.Equal(t, 2, st.Device.Channels)
	assert.Equal(t, uint64(8), st.Device.FramesConsumed)
	assert.Equal(t, uint64(6), st.Device.SamplesDelivered)
	assert.Equal(t, uint64(1), st.Device.Underruns)
	assert.Equal(t, 32, st.Device.FIFOCapacity)
	assert.InDelta(t, 1, st.Device.MasterVolume, 1e-6)

	require.NotNil(t, st.Engine)
	assert.False(t, st.Engine.Running)
	assert.Equal(t, engine.DefaultSampleRate, st.Engine.SampleRate)
	assert.NotZero(t, st.Timestamp)
}

func TestStatusWithoutComponents(t *testing.T) {
	t.Parallel()
	srv := New(Config{}, WithLogger(quietLogger()))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"device"`)
	assert.NotContains(t, rec.Body.String(), `"engine"`)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/device/start", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no metrics route without metrics")
}

func TestDeviceStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/device/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[ControlResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "start_device", res.Action)
	assert.Equal(t, device.StateStarted, f.session.State())

	rec = f.do(t, http.MethodPost, "/api/v1/device/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, device.StateInitialized, f.session.State())
}

func TestDeviceStartErrors(t *testing.T) {
	t.Parallel()

	t.Run("hardware failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.drv.FailStart = fmt.Errorf("busy")
		rec := f.do(t, http.MethodPost, "/api/v1/device/start", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "failed to start device", resp.Message)
		assert.Len(t, resp.CorrelationID, 8)
	})

	t.Run("closed session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.session.Close())
		rec := f.do(t, http.MethodPost, "/api/v1/device/start", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestVolumeEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"device volume", "/api/v1/device/volume", `{"volume":0.8}`, http.StatusOK},
		{"engine volume", "/api/v1/engine/volume", `{"volume":0.5}`, http.StatusOK},
		{"missing volume", "/api/v1/device/volume", `{}`, http.StatusBadRequest},
		{"negative volume", "/api/v1/engine/volume", `{"volume":-1}`, http.StatusBadRequest},
		{"malformed body", "/api/v1/device/volume", `{"volume":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	assert.InDelta(t, 0.8, f.session.MasterVolume(), 1e-6)
	assert.InDelta(t, 0.5, f.engine.Volume(), 1e-6)
}

func TestMetricsRouteAndRequestMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.metrics.BindDevice(f.session)

	f.do(t, http.MethodGet, "/api/v1/status", "")
	f.do(t, http.MethodPut, "/api/v1/device/volume", `{}`)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `audiobridge_http_requests_total{method="GET",path="/api/v1/status",status_code="200"} 1`)
	assert.Contains(t, body, `audiobridge_http_request_errors_total{error_type="validation",method="PUT",path="/api/v1/device/volume"} 1`)
	assert.Contains(t, body, "audiobridge_device_state 1")

	n, err := testutil.GatherAndCount(f.metrics.Registry(), "audiobridge_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestSystemInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/system", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[SystemInfo](t, rec)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Positive(t, info.Goroutines)
	assert.NotEmpty(t, info.GoVersion)
}

func TestControlRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.srv = New(Config{ControlRate: rate.Limit(0.001), ControlBurst: 2},
		WithLogger(quietLogger()), WithDevice(f.session), WithMetrics(f.metrics))

	for range 2 {
		rec := f.do(t, http.MethodPut, "/api/v1/device/volume", `{"volume":0.5}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/device/start", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads are not limited.
	rec = f.do(t, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	srv := New(Config{Listen: "127.0.0.1:0"}, WithLogger(quietLogger()))
	srv.Start()
	srv.Start()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
}
