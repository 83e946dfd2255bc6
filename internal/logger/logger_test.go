package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCentralLogger_NilConfig(t *testing.T) {
	t.Parallel()
	_, err := NewCentralLogger(nil)
	require.ErrorIs(t, err, errNilConfig)
}

func TestNewCentralLogger_InvalidTimezone(t *testing.T) {
	t.Parallel()
	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}

func TestSlogLogger_LevelsAndFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo, time.UTC).Module("device")

	log.Debug("hidden")
	log.Info("stream started",
		Int("sample_rate", 48000),
		Uint64("frames", 256),
		Float64("volume", 0.123456),
		Error(errors.New("boom")),
		Duration("latency", 1500*time.Millisecond))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "stream started")
	assert.Contains(t, out, "module=device")
	assert.Contains(t, out, "sample_rate=48000")
	assert.Contains(t, out, "frames=256")
	assert.Contains(t, out, "volume=0.123")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "latency=1.5s")
	assert.NotContains(t, out, "time=")
}

func TestModuleLogger_SubModulesAndWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewSlogLogger(&buf, LogLevelTrace, time.UTC).Module("engine")
	child := base.Module("graph").With(String("node_id", "abc"))

	child.Trace("attached")
	base.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "module=engine.graph")
	assert.Contains(t, lines[0], "node_id=abc")
	assert.Contains(t, lines[0], "TRACE")
	assert.NotContains(t, lines[1], "node_id")
}

func TestModuleLogger_WithContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo, time.UTC)

	log.WithContext(WithTraceID(context.Background(), "req-1")).Info("handled")
	log.WithContext(context.Background()).Info("untraced")

	out := buf.String()
	assert.Contains(t, out, "trace_id=req-1")
	assert.Equal(t, 1, strings.Count(out, "trace_id"))
}

func TestCentralLogger_FileOutputIsJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"fifo": "debug"},
	})
	require.NoError(t, err)

	cl.Module("fifo").Debug("installed", Int("capacity", 8))
	cl.Module("device").Debug("dropped by module level")
	require.NoError(t, cl.Flush())
	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path) //nolint:gosec // test temp dir
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "installed", rec["msg"])
	assert.Equal(t, "fifo", rec["module"])
	assert.InDelta(t, 8, rec["capacity"], 0)
}

func TestNilLoggersAreSafe(t *testing.T) {
	t.Parallel()
	var cl *CentralLogger
	assert.Nil(t, cl.Module("x"))
	assert.NoError(t, cl.Close())

	var m *moduleLogger
	m.Info("nothing")
	assert.Nil(t, m.With(String("k", "v")))
}
