package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/audiobridge/internal/conf"
)

func TestInitWritesDefaultsOnce(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	var out bytes.Buffer
	require.NoError(t, runInit(&out, path))
	assert.Contains(t, out.String(), path)

	loaded, err := conf.Load(path)
	require.NoError(t, err)
	assert.Equal(t, conf.DefaultSettings().Device.SampleRate, loaded.Device.SampleRate)

	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o600))
	require.NoError(t, runInit(&out, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug: true\n", string(data))
}

func TestShowPrintsEffectiveSettings(t *testing.T) {
	t.Parallel()
	s := conf.DefaultSettings()
	s.Device.SampleRate = 44100
	s.HTTP.Listen = "0.0.0.0:9000"

	var out bytes.Buffer
	require.NoError(t, runShow(&out, s))

	var decoded conf.Settings
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, 44100, decoded.Device.SampleRate)
	assert.Equal(t, "0.0.0.0:9000", decoded.HTTP.Listen)
}
