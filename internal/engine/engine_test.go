package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/hardware"
	"github.com/tphakala/audiobridge/internal/hardware/hardwaretest"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
	"github.com/tphakala/audiobridge/internal/observability/metrics/metricstest"
)

func TestNewAppliesDefaultsAndAutoStarts(t *testing.T) {
	t.Parallel()
	drv := hardwaretest.NewDriver()
	e, err := New(Config{}, drv, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.True(t, e.Initialized())
	assert.True(t, e.Running())
	assert.Equal(t, DefaultSampleRate, e.SampleRate())
	assert.Equal(t, DefaultChannels, e.Channels())
	assert.NotEmpty(t, e.ID())
	require.NotNil(t, e.Endpoint())
	assert.Equal(t, 1, e.Endpoint().InputBusCount())
	assert.Equal(t, 0, e.Endpoint().OutputBusCount())
	assert.Equal(t, 1, e.ListenerCount())

	stream := drv.Last()
	require.NotNil(t, stream)
	assert.True(t, stream.Started())
	assert.Equal(t, hardware.FormatF32, stream.Config().Format)
	assert.Equal(t, DefaultPeriodFrames, stream.Config().PeriodFrames)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative rate", Config{SampleRate: -1}},
		{"too many channels", Config{Channels: 33}},
		{"too many listeners", Config{ListenerCount: MaxListeners + 1}},
		{"negative listeners", Config{ListenerCount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			drv := hardwaretest.NewDriver()
			_, err := New(tt.cfg, drv, WithLogger(quietLogger()))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
			assert.Empty(t, drv.Streams(), "no stream opened")
		})
	}

	_, err := New(Config{}, nil, WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewDeviceFailures(t *testing.T) {
	t.Parallel()

	t.Run("open", func(t *testing.T) {
		t.Parallel()
		drv := hardwaretest.NewDriver()
		drv.FailOpen = fmt.Errorf("no such device")
		_, err := New(Config{}, drv, WithLogger(quietLogger()))
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryAudioDevice))
	})

	t.Run("start", func(t *testing.T) {
		t.Parallel()
		drv := hardwaretest.NewDriver()
		drv.FailStart = fmt.Errorf("busy")
		_, err := New(Config{}, drv, WithLogger(quietLogger()))
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryAudioDevice))
		require.Len(t, drv.Streams(), 1)
		assert.True(t, drv.Last().Closed(), "a failed start releases the stream")
	})

	t.Run("unknown device", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{DeviceID: "fake:9,9"}, hardwaretest.NewDriver(), WithLogger(quietLogger()))
		require.Error(t, err)
	})
}

func TestStartStopAreIdempotent(t *testing.T) {
	t.Parallel()
	e, drv := newTestEngine(t, Config{})
	stream := drv.Last()
	assert.False(t, e.Running())

	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	assert.Equal(t, 1, stream.StartCalls())
	assert.True(t, e.Running())

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.False(t, stream.Started())

	drv.FailStart = fmt.Errorf("busy")
	require.Error(t, e.Start())
	assert.False(t, e.Running())
}

func TestCallbackRendersGraphAsFloat32(t *testing.T) {
	t.Parallel()
	e, drv := newTestEngine(t, Config{Channels: 2, PeriodFrames: 16})
	s := newTestSound(t, e, constSource(0.5, 2, 48000), 0, nil)
	s.Play()
	e.SetVolume(0.5)
	require.NoError(t, e.Start())

	// Larger than a period: the callback renders in period-sized chunks.
	out := drv.Last().TickF32(40)
	require.Len(t, out, 80)
	requireAll(t, 0.25, out)
	assert.Equal(t, uint64(40), e.Time())
	assert.Equal(t, uint64(3), e.Stats().Passes)
}

func TestEngineVolume(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Channels: 1})
	s := newTestSound(t, e, constSource(1, 1, 48000), 0, nil)
	s.Play()

	assert.InDelta(t, 1, e.Volume(), 1e-6)
	e.SetVolume(2)
	requireAll(t, 2, render(t, e, 4))
	e.SetVolume(-1)
	assert.Zero(t, e.Volume())
	requireAll(t, 0, render(t, e, 4))
}

func TestReadPCMFramesClampsToBuffer(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Channels: 2})
	out := make([]float32, 10)
	assert.Equal(t, 5, e.ReadPCMFrames(out, 100))
	assert.Equal(t, 0, e.ReadPCMFrames(out, -3))
	assert.Equal(t, uint64(5), e.Time())
}

func TestReadPCMFramesAfterClose(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	out := []float32{1, 1, 1, 1}
	assert.Equal(t, 0, e.ReadPCMFrames(out, 2))
	assert.Equal(t, []float32{0, 0, 0, 0}, out)
	assert.Nil(t, e.Endpoint())
	assert.Zero(t, e.SampleRate())
	assert.Zero(t, e.Channels())
	require.ErrorIs(t, e.Start(), ErrNotInitialized)
}

func TestConcurrentReadsNeverOverlap(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Channels: 1, PeriodFrames: 64})
	s := newTestSound(t, e, constSource(1, 1, 48000), FlagLooping, nil)
	s.Play()

	var wg sync.WaitGroup
	var mu sync.Mutex
	rendered := 0
	for range 8 {
		wg.Go(func() {
			out := make([]float32, 64)
			for range 50 {
				n := e.ReadPCMFrames(out, 64)
				if n > 0 {
					for _, v := range out {
						if v != 1 {
							t.Errorf("sample %v, want 1", v)
							return
						}
					}
				}
				mu.Lock()
				rendered += n
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	st := e.Stats()
	assert.Equal(t, uint64(rendered), st.Time)
	assert.Equal(t, uint64(8*50), st.Passes+st.SkippedReads)
}

func TestCloseWhileCallbackRuns(t *testing.T) {
	t.Parallel()
	e, drv := newTestEngine(t, Config{Channels: 2, PeriodFrames: 32})
	for range 4 {
		s := newTestSound(t, e, constSource(0.1, 2, 48000), 0, nil)
		s.Play()
	}
	require.NoError(t, e.Start())
	stream := drv.Last()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for stream.Started() {
			stream.Tick(32)
		}
	}()
	require.NoError(t, e.Close())
	<-done
	assert.True(t, stream.Closed())
}

func TestDeviceLossMarksEngineStopped(t *testing.T) {
	t.Parallel()
	e, drv := newTestEngine(t, Config{})
	require.NoError(t, e.Start())
	drv.Last().SimulateDeviceLoss()
	assert.False(t, e.Running())

	require.NoError(t, e.Start())
	assert.True(t, e.Running())
	assert.Equal(t, 2, drv.Last().StartCalls())
}

func TestListeners(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{ListenerCount: 2})
	require.Equal(t, 2, e.ListenerCount())

	l, ok := e.Listener(0)
	require.True(t, ok)
	assert.Equal(t, Vec3{0, 0, -1}, l.Direction)
	assert.Equal(t, Vec3{0, 1, 0}, l.WorldUp)
	assert.True(t, l.Enabled)
	assert.InDelta(t, 1, l.Cone.OuterGain, 1e-6)

	e.SetListenerPosition(1, 1, 2, 3)
	e.SetListenerDirection(1, 1, 0, 0)
	e.SetListenerVelocity(1, 0, 0, 9)
	e.SetListenerWorldUp(1, 0, 0, 1)
	e.SetListenerCone(1, 0.5, 1, 0.25)
	e.SetListenerEnabled(1, false)
	e.SetListenerPosition(5, 9, 9, 9)

	l, ok = e.Listener(1)
	require.True(t, ok)
	assert.Equal(t, Listener{
		Position:  Vec3{1, 2, 3},
		Direction: Vec3{1, 0, 0},
		Velocity:  Vec3{0, 0, 9},
		WorldUp:   Vec3{0, 0, 1},
		Cone:      Cone{InnerAngle: 0.5, OuterAngle: 1, OuterGain: 0.25},
	}, l)

	_, ok = e.Listener(2)
	assert.False(t, ok)
	_, ok = e.Listener(-1)
	assert.False(t, ok)
}

func TestPlaySoundReapsFinishedSounds(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{Channels: 1, SampleRate: 48000})
	path := writeWAV(t, 48000, 16, 1, []int{1000, 2000, 3000})

	require.NoError(t, e.PlaySound(path))
	require.NoError(t, e.PlaySound(path))
	assert.Equal(t, 2, e.InlineSounds())
	assert.Equal(t, 2, e.Stats().Sounds)

	render(t, e, 8)
	require.NoError(t, e.PlaySound(path))
	assert.Equal(t, 1, e.InlineSounds(), "finished sounds are reclaimed")
	assert.Equal(t, 1, e.Stats().Sounds)

	require.Error(t, e.PlaySound("/nonexistent.wav"))
	require.NoError(t, e.Close())
	assert.Zero(t, e.InlineSounds())
	require.ErrorIs(t, e.PlaySound(path), ErrNotInitialized)
}

func TestSoundOperationsAreRecorded(t *testing.T) {
	t.Parallel()
	rec := metricstest.NewRecorder()
	e, err := New(Config{NoAutoStart: true}, hardwaretest.NewDriver(), WithLogger(quietLogger()), WithRecorder(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	path := writeWAV(t, 48000, 16, 2, []int{1, 2})
	require.NoError(t, e.PlaySound(path))
	require.Error(t, e.PlaySound("/nonexistent.wav"))

	assert.Equal(t, 1, rec.OperationCount(metrics.OpPlaySound, metrics.StatusSuccess))
	assert.Equal(t, 1, rec.OperationCount(metrics.OpPlaySound, metrics.StatusError))
	assert.Equal(t, 1, rec.OperationCount(metrics.OpLoadSound, metrics.StatusSuccess))
	assert.Equal(t, 1, rec.ErrorCount(metrics.OpLoadSound, string(errors.CategoryFileIO)))
	assert.Len(t, rec.Durations(metrics.OpPlaySound), 1)
	// One stereo frame of float32.
	assert.Equal(t, []int{8}, rec.DecodedSizes(string(FormatWAV)))
}

func TestSharedDecodeCache(t *testing.T) {
	t.Parallel()
	cache := NewDecodeCache(0, 0)
	path := writeWAV(t, 48000, 16, 2, []int{1, 2, 3, 4})

	for range 2 {
		e, err := New(Config{NoAutoStart: true}, hardwaretest.NewDriver(), WithLogger(quietLogger()), WithDecodeCache(cache))
		require.NoError(t, err)
		_, err = e.NewSoundFromFile(path, 0, nil)
		require.NoError(t, err)
		require.NoError(t, e.Close())
	}
	assert.Equal(t, uint64(1), cache.Stats().Decodes)
	assert.Equal(t, uint64(1), cache.Stats().Hits)
}

func TestNilEngine(t *testing.T) {
	t.Parallel()
	var e *Engine
	assert.False(t, e.Initialized())
	assert.False(t, e.Running())
	assert.Nil(t, e.Endpoint())
	assert.Zero(t, e.Time())
	assert.Zero(t, e.ListenerCount())
	assert.Equal(t, Stats{}, e.Stats())
	require.NoError(t, e.Close())
	require.NoError(t, e.Stop())
	require.ErrorIs(t, e.Start(), ErrNotInitialized)
	assert.Equal(t, 0, e.ReadPCMFrames(make([]float32, 4), 2))
	_, err := e.NewSoundFromFile("x.wav", 0, nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}
