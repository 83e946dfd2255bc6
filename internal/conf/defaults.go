// conf/defaults.go default values for settings
package conf

import "github.com/spf13/viper"

// Default stream parameters shared by the device session and the engine.
const (
	DefaultSampleRate   = 48000
	DefaultChannels     = 2
	DefaultPeriodFrames = 256
	DefaultFIFOCapacity = 48000 * 2 / 2 // half a second of stereo at 48 kHz
)

// setDefaultConfig registers default values for every setting.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("device.backend", "")
	v.SetDefault("device.id", "default")
	v.SetDefault("device.samplerate", DefaultSampleRate)
	v.SetDefault("device.channels", DefaultChannels)
	v.SetDefault("device.periodframes", DefaultPeriodFrames)
	v.SetDefault("device.volume", 1.0)

	v.SetDefault("fifo.capacity", DefaultFIFOCapacity)
	v.SetDefault("fifo.staging", 64*1024)

	v.SetDefault("engine.enabled", true)
	v.SetDefault("engine.samplerate", DefaultSampleRate)
	v.SetDefault("engine.channels", DefaultChannels)
	v.SetDefault("engine.periodframes", DefaultPeriodFrames)
	v.SetDefault("engine.listenercount", 1)
	v.SetDefault("engine.volume", 1.0)
	v.SetDefault("engine.noautostart", false)

	v.SetDefault("decode.cachettl", "10m")
	v.SetDefault("decode.maxfilemb", 256)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/audiobridge.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:8089")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
	v.SetDefault("telemetry.environment", "production")
}
