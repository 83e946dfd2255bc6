// conf/config.go settings for the audio bridge
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logger"
)

// DeviceSettings configures the playback device session fed from the FIFO.
type DeviceSettings struct {
	Backend      string  `mapstructure:"backend" yaml:"backend"`           // "", alsa, pulse, wasapi, coreaudio, null
	ID           string  `mapstructure:"id" yaml:"id"`                     // device name, decoded id or "default"
	SampleRate   int     `mapstructure:"samplerate" yaml:"samplerate"`     // Hz
	Channels     int     `mapstructure:"channels" yaml:"channels"`         // interleaved channel count
	PeriodFrames int     `mapstructure:"periodframes" yaml:"periodframes"` // frames per hardware callback
	Volume       float64 `mapstructure:"volume" yaml:"volume"`             // master volume, 1 = unity
}

// FIFOSettings sizes the ring buffer between producer and device.
type FIFOSettings struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"` // samples, not frames
	Staging  int `mapstructure:"staging" yaml:"staging"`   // feeder staging buffer in bytes
}

// EngineSettings configures the node graph engine.
type EngineSettings struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	SampleRate    int     `mapstructure:"samplerate" yaml:"samplerate"`
	Channels      int     `mapstructure:"channels" yaml:"channels"`
	PeriodFrames  int     `mapstructure:"periodframes" yaml:"periodframes"`
	ListenerCount int     `mapstructure:"listenercount" yaml:"listenercount"`
	Volume        float64 `mapstructure:"volume" yaml:"volume"`
	NoAutoStart   bool    `mapstructure:"noautostart" yaml:"noautostart"`
}

// DecodeSettings configures the decoded-file cache.
type DecodeSettings struct {
	CacheTTL  string `mapstructure:"cachettl" yaml:"cachettl"`   // duration string, "0" disables expiry
	MaxFileMB int    `mapstructure:"maxfilemb" yaml:"maxfilemb"` // refuse larger files
}

// MetricsSettings toggles Prometheus collection.
type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// HTTPSettings configures the status and control server.
type HTTPSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// TelemetrySettings configures optional Sentry error reporting.
type TelemetrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// Settings is the root of config.yaml.
type Settings struct {
	Debug     bool                 `mapstructure:"debug" yaml:"debug"`
	Device    DeviceSettings       `mapstructure:"device" yaml:"device"`
	FIFO      FIFOSettings         `mapstructure:"fifo" yaml:"fifo"`
	Engine    EngineSettings       `mapstructure:"engine" yaml:"engine"`
	Decode    DecodeSettings       `mapstructure:"decode" yaml:"decode"`
	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsSettings      `mapstructure:"metrics" yaml:"metrics"`
	HTTP      HTTPSettings         `mapstructure:"http" yaml:"http"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads settings from configFile, or searches the default locations when
// configFile is empty. A missing config file is not an error: defaults apply.
// Environment variables prefixed AUDIOBRIDGE_ override file values.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	if err := initViper(v, configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("config").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("config").
			Category(errors.CategoryValidation).
			Context("operation", "validate_config").
			Build()
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// initViper sets defaults, environment binding and reads the config file.
func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	v.SetEnvPrefix("AUDIOBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Component("config").
			Category(errors.CategoryConfiguration).
			Context("operation", "read_config").
			Build()
	}
	return nil
}

// GetSettings returns the most recently loaded settings, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// DefaultSettings returns the settings produced by defaults alone.
func DefaultSettings() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	// Defaults always decode; a failure here is a programming error.
	if err := v.Unmarshal(settings); err != nil {
		panic(fmt.Sprintf("conf: default settings do not decode: %v", err))
	}
	return settings
}

// WriteDefault writes the default settings as YAML to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(err).
			Component("config").
			Category(errors.CategoryFileIO).
			Context("operation", "create_config_dir").
			Build()
	}
	return SaveYAMLConfig(path, DefaultSettings())
}

// SaveYAMLConfig writes settings to configPath through a temp file and rename.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return errors.New(err).
			Component("config").
			Category(errors.CategoryFileIO).
			Context("operation", "create_temp_config").
			Build()
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}
	if err := os.Rename(tmpName, configPath); err != nil {
		return errors.New(err).
			Component("config").
			Category(errors.CategoryFileIO).
			Context("operation", "replace_config").
			Build()
	}
	return nil
}
