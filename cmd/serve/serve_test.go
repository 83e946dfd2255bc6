package serve

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/feeder"
	"github.com/tphakala/audiobridge/internal/fifo"
	"github.com/tphakala/audiobridge/internal/hardware"
	"github.com/tphakala/audiobridge/internal/hardware/hardwaretest"
	"github.com/tphakala/audiobridge/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSettings() *conf.Settings {
	s := conf.DefaultSettings()
	s.HTTP.Listen = "127.0.0.1:0"
	s.Decode.CacheTTL = "0"
	return s
}

func get(t *testing.T, url string) []byte {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func TestServeExposesDeviceAndEngine(t *testing.T) {
	drv := hardwaretest.NewDriver()
	orig := newDriver
	t.Cleanup(func() { newDriver = orig })
	newDriver = func(*conf.Settings) (hardware.Driver, error) { return drv, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testSettings(), &options{ready: func(addr string) { addrCh <- addr }})
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	var status struct {
		Device *struct {
			State string `json:"state"`
		} `json:"device"`
		Engine *struct {
			Running bool `json:"running"`
		} `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(get(t, "http://"+addr+"/api/v1/status"), &status))
	require.NotNil(t, status.Device)
	assert.Equal(t, "started", status.Device.State)
	require.NotNil(t, status.Engine)
	assert.True(t, status.Engine.Running)

	metricsBody := string(get(t, "http://"+addr+"/metrics"))
	assert.Contains(t, metricsBody, "audiobridge_device_state 2")
	assert.Contains(t, metricsBody, "audiobridge_engine_running 1")
	assert.Contains(t, metricsBody, "audiobridge_feeder_staged_bytes 0")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	for _, s := range drv.Streams() {
		assert.True(t, s.Closed())
	}
}

func TestOpenFailureReleasesDriver(t *testing.T) {
	drv := hardwaretest.NewDriver()
	drv.FailOpen = io.ErrUnexpectedEOF
	orig := newDriver
	t.Cleanup(func() { newDriver = orig })
	newDriver = func(*conf.Settings) (hardware.Driver, error) { return drv, nil }

	_, err := open(testSettings())
	require.Error(t, err)
	assert.Empty(t, drv.Streams())
}

func TestCopyPacedWaitsForRoom(t *testing.T) {
	t.Parallel()
	var dst fifo.Buffer
	require.NoError(t, dst.Install(make([]int16, 4096), 4096, new(atomic.Int64), new(atomic.Int64)))
	f, err := feeder.New(&dst, feeder.Config{StagingBytes: 64, PollInterval: time.Millisecond},
		feeder.WithLogger(logger.NewSlogLogger(&bytes.Buffer{}, logger.LogLevelError, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(f.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Start(ctx))

	input := make([]byte, 2000)
	for i := range 1000 {
		binary.LittleEndian.PutUint16(input[2*i:], uint16(i))
	}
	n, err := copyPaced(ctx, f, bytes.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, int64(len(input)), n)
	assert.Zero(t, f.Stats().BytesDropped)

	require.Eventually(t, func() bool { return dst.Available() == 1000 }, 2*time.Second, time.Millisecond)
	out := make([]int16, 1000)
	dst.Drain(out)
	for i, v := range out {
		require.Equal(t, int16(i), v)
	}
}
