package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiobridge/internal/errors"
)

func TestDefaultSettingsAreValid(t *testing.T) {
	t.Parallel()
	s := DefaultSettings()

	require.NoError(t, ValidateSettings(s))
	assert.Equal(t, DefaultSampleRate, s.Device.SampleRate)
	assert.Equal(t, DefaultChannels, s.Device.Channels)
	assert.Equal(t, DefaultPeriodFrames, s.Device.PeriodFrames)
	assert.InDelta(t, 1.0, s.Device.Volume, 0)
	assert.Equal(t, 1, s.Engine.ListenerCount)
	require.NotNil(t, s.Logging.Console)
	assert.True(t, s.Logging.Console.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  samplerate: 44100
  channels: 1
  periodframes: 512
fifo:
  capacity: 8192
engine:
  listenercount: 2
decode:
  cachettl: 30s
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, s.Device.SampleRate)
	assert.Equal(t, 1, s.Device.Channels)
	assert.Equal(t, 512, s.Device.PeriodFrames)
	assert.Equal(t, 8192, s.FIFO.Capacity)
	assert.Equal(t, 2, s.Engine.ListenerCount)
	assert.Equal(t, DefaultSampleRate, s.Engine.SampleRate, "unset keys keep defaults")
	ttl, err := s.Decode.TTL()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)
	assert.Same(t, s, GetSettings())
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  channels: 2\n"), 0o600))
	t.Setenv("AUDIOBRIDGE_DEVICE_CHANNELS", "1")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Device.Channels)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  samplerate: 1000
  channels: 2
  periodframes: 256
fifo:
  capacity: 100
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*Settings)
		errs   int
	}{
		{"valid defaults", func(*Settings) {}, 0},
		{"too many channels", func(s *Settings) { s.Device.Channels = 9 }, 1},
		{"negative volume", func(s *Settings) { s.Device.Volume = -1 }, 1},
		{"listener count", func(s *Settings) { s.Engine.ListenerCount = 5 }, 1},
		{"engine disabled skips engine checks", func(s *Settings) {
			s.Engine.Enabled = false
			s.Engine.SampleRate = 1
		}, 0},
		{"bad ttl", func(s *Settings) { s.Decode.CacheTTL = "soon" }, 1},
		{"bad listen", func(s *Settings) {
			s.HTTP.Enabled = true
			s.HTTP.Listen = "8089"
		}, 1},
		{"telemetry without dsn", func(s *Settings) { s.Telemetry.Enabled = true }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := DefaultSettings()
			tt.modify(s)
			err := ValidateSettings(s)
			if tt.errs == 0 {
				assert.NoError(t, err)
				return
			}
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Len(t, ve.Errors, tt.errs)
		})
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings().Device, s.Device)

	// second call leaves the file alone
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o600))
	require.NoError(t, WriteDefault(path))
	data, err := os.ReadFile(path) //nolint:gosec // test temp dir
	require.NoError(t, err)
	assert.Equal(t, "debug: true\n", string(data))
}
