package engine

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiobridge/internal/hardware/hardwaretest"
	"github.com/tphakala/audiobridge/internal/logger"
)

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(&bytes.Buffer{}, logger.LogLevelError, time.UTC)
}

// newTestEngine returns a stopped engine driven by ReadPCMFrames.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *hardwaretest.Driver) {
	t.Helper()
	cfg.NoAutoStart = true
	drv := hardwaretest.NewDriver()
	e, err := New(cfg, drv, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, drv
}

func render(t *testing.T, e *Engine, frames int) []float32 {
	t.Helper()
	out := make([]float32, frames*e.Channels())
	require.Equal(t, frames, e.ReadPCMFrames(out, frames))
	return out
}

// testSource is an in-memory DataSource that counts Close calls.
type testSource struct {
	samples  []float32
	channels int
	rate     int
	endless  bool
	cursor   uint64
	closes   atomic.Int32
}

// constSource repeats v forever.
func constSource(v float32, channels, rate int) *testSource {
	s := &testSource{samples: make([]float32, channels), channels: channels, rate: rate, endless: true}
	for i := range s.samples {
		s.samples[i] = v
	}
	return s
}

// rampSource holds frames frames whose value is the frame index, on every channel.
func rampSource(frames, channels, rate int) *testSource {
	s := &testSource{samples: make([]float32, frames*channels), channels: channels, rate: rate}
	for f := range frames {
		for c := range channels {
			s.samples[f*channels+c] = float32(f)
		}
	}
	return s
}

func (s *testSource) frames() uint64 { return uint64(len(s.samples) / s.channels) }

func (s *testSource) ReadFrames(dst []float32, frames int) (int, error) {
	n := 0
	for ; n < frames && (n+1)*s.channels <= len(dst); n++ {
		if s.cursor >= s.frames() {
			if !s.endless {
				break
			}
			s.cursor = 0
		}
		copy(dst[n*s.channels:], s.samples[s.cursor*uint64(s.channels):(s.cursor+1)*uint64(s.channels)])
		s.cursor++
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *testSource) SeekToFrame(frame uint64) error {
	s.cursor = frame
	return nil
}

func (s *testSource) LengthInFrames() uint64 {
	if s.endless {
		return 0
	}
	return s.frames()
}

func (s *testSource) SampleRate() int { return s.rate }
func (s *testSource) Channels() int   { return s.channels }

func (s *testSource) Close() error {
	s.closes.Add(1)
	return nil
}

func newTestSound(t *testing.T, e *Engine, src DataSource, flags Flags, g *Group) *Sound {
	t.Helper()
	s, err := e.newSound(SourceMemory, src, flags, g, "test")
	require.NoError(t, err)
	return s
}

// writeWAV encodes samples as a PCM WAV file and returns its path.
func writeWAV(t *testing.T, rate, bitDepth, channels int, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sound.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, bitDepth, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func requireAll(t *testing.T, want float32, got []float32) {
	t.Helper()
	for i, v := range got {
		require.InDelta(t, want, v, 1e-6, "sample %d", i)
	}
}
