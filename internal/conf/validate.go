// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"time"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// Stream parameter limits accepted by the device session and the engine.
const (
	MinSampleRate   = 8000
	MaxSampleRate   = 384000
	MaxChannels     = 8
	MinPeriodFrames = 16
	MaxPeriodFrames = 8192
)

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	collect := func(errs []string) { ve.Errors = append(ve.Errors, errs...) }

	collect(validateStream("device", settings.Device.SampleRate, settings.Device.Channels, settings.Device.PeriodFrames))
	if settings.Device.Volume < 0 {
		ve.Errors = append(ve.Errors, "device.volume must not be negative")
	}
	collect(validateFIFOSettings(&settings.FIFO, &settings.Device))
	if settings.Engine.Enabled {
		collect(validateEngineSettings(&settings.Engine))
	}
	collect(validateDecodeSettings(&settings.Decode))
	if settings.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(settings.HTTP.Listen); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("http.listen %q is not host:port", settings.HTTP.Listen))
		}
	}
	if settings.Telemetry.Enabled && settings.Telemetry.DSN == "" {
		ve.Errors = append(ve.Errors, "telemetry.dsn is required when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateStream(section string, sampleRate, channels, periodFrames int) []string {
	var errs []string
	if sampleRate < MinSampleRate || sampleRate > MaxSampleRate {
		errs = append(errs, fmt.Sprintf("%s.samplerate %d out of range [%d, %d]", section, sampleRate, MinSampleRate, MaxSampleRate))
	}
	if channels < 1 || channels > MaxChannels {
		errs = append(errs, fmt.Sprintf("%s.channels %d out of range [1, %d]", section, channels, MaxChannels))
	}
	if periodFrames < MinPeriodFrames || periodFrames > MaxPeriodFrames {
		errs = append(errs, fmt.Sprintf("%s.periodframes %d out of range [%d, %d]", section, periodFrames, MinPeriodFrames, MaxPeriodFrames))
	}
	return errs
}

// validateFIFOSettings requires room for more than one device period.
func validateFIFOSettings(fifo *FIFOSettings, device *DeviceSettings) []string {
	var errs []string
	if need := device.PeriodFrames * device.Channels; fifo.Capacity <= need {
		errs = append(errs, fmt.Sprintf("fifo.capacity %d must exceed one period (%d samples)", fifo.Capacity, need))
	}
	if fifo.Staging < 0 {
		errs = append(errs, "fifo.staging must not be negative")
	}
	return errs
}

func validateEngineSettings(engine *EngineSettings) []string {
	errs := validateStream("engine", engine.SampleRate, engine.Channels, engine.PeriodFrames)
	if engine.ListenerCount < 1 || engine.ListenerCount > 4 {
		errs = append(errs, fmt.Sprintf("engine.listenercount %d out of range [1, 4]", engine.ListenerCount))
	}
	if engine.Volume < 0 {
		errs = append(errs, "engine.volume must not be negative")
	}
	return errs
}

func validateDecodeSettings(decode *DecodeSettings) []string {
	var errs []string
	if _, err := decode.TTL(); err != nil {
		errs = append(errs, fmt.Sprintf("decode.cachettl: %v", err))
	}
	if decode.MaxFileMB < 0 {
		errs = append(errs, "decode.maxfilemb must not be negative")
	}
	return errs
}

// TTL parses CacheTTL. "0" and "" mean entries never expire.
func (d *DecodeSettings) TTL() (time.Duration, error) {
	if d.CacheTTL == "" || d.CacheTTL == "0" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(d.CacheTTL)
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, fmt.Errorf("negative duration %s", d.CacheTTL)
	}
	return ttl, nil
}
