// Package hardware abstracts the audio backend: device enumeration and
// callback-driven output streams. The malgo driver talks to real hardware;
// hardwaretest provides a driver whose clock is advanced by hand.
package hardware

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"github.com/tphakala/audiobridge/internal/errors"
)

// Direction selects playback or capture devices.
type Direction int

const (
	Playback Direction = iota
	Capture
)

func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "playback"
}

// Format is the sample encoding of a stream's buffers.
type Format int

const (
	FormatS16 Format = iota // interleaved little-endian int16
	FormatF32               // interleaved little-endian float32
)

// BytesPerSample returns the size of one sample in f.
func (f Format) BytesPerSample() int {
	if f == FormatF32 {
		return 4
	}
	return 2
}

func (f Format) String() string {
	if f == FormatF32 {
		return "f32"
	}
	return "s16"
}

// DeviceID is an opaque device identity token obtained from enumeration.
// The empty ID selects the backend default.
type DeviceID string

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	Index   int
	Name    string
	ID      DeviceID
	Default bool
}

// DecodedID returns the backend's human readable identifier ("hw:1,0" on ALSA)
// when the token is hex encoded text, otherwise the raw token.
func (d DeviceInfo) DecodedID() string {
	return decodeID(string(d.ID))
}

// StreamConfig requests an output stream. Zero values take backend defaults
// for the device but not for the shape: SampleRate, Channels and PeriodFrames
// must be set.
type StreamConfig struct {
	Format       Format
	SampleRate   int
	Channels     int
	PeriodFrames int
	DeviceID     DeviceID
}

// Callback fills out, which holds frames frames in the stream's format.
// It runs on the backend's real-time thread and must not block or allocate.
type Callback func(out []byte, frames int)

// Stream is an opened output stream.
type Stream interface {
	Start() error
	Stop() error
	// Close stops the stream if needed and releases it. Idempotent.
	Close() error
	SampleRate() int
	Channels() int
	Format() Format
}

// Driver opens streams and enumerates devices on one backend.
type Driver interface {
	Name() string
	Devices(dir Direction) ([]DeviceInfo, error)
	// Open initializes a stream. onStop, if not nil, is called when the backend
	// stops the stream on its own.
	Open(cfg StreamConfig, cb Callback, onStop func()) (Stream, error)
	Close() error
}

// SelectDevice resolves a user supplied device name against devices: empty,
// "default" and "sysdefault" pick the default device, then exact name, decoded
// id and partial name are tried in that order.
func SelectDevice(devices []DeviceInfo, name string) (DeviceInfo, error) {
	if name == "" || name == "default" || name == "sysdefault" {
		for _, d := range devices {
			if d.Default {
				return d, nil
			}
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	for _, d := range devices {
		if d.DecodedID() == name || string(d.ID) == name {
			return d, nil
		}
	}
	for _, d := range devices {
		if name != "" && strings.Contains(d.Name, name) {
			return d, nil
		}
	}

	return DeviceInfo{}, errors.New(fmt.Errorf("no audio device matches %q", name)).
		Component("hardware").
		Category(errors.CategoryNotFound).
		Context("device_name", name).
		Context("available_devices", len(devices)).
		Build()
}

// ResolveDevice enumerates d and returns the id of the device matching name.
// The default device resolves to an empty id so the backend picks it.
func ResolveDevice(d Driver, dir Direction, name string) (DeviceID, error) {
	if name == "" || name == "default" {
		return "", nil
	}
	devices, err := d.Devices(dir)
	if err != nil {
		return "", err
	}
	info, err := SelectDevice(devices, name)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// DefaultBackend returns the backend name used on this platform.
func DefaultBackend() string {
	switch runtime.GOOS {
	case "linux":
		return "alsa"
	case "windows":
		return "wasapi"
	case "darwin":
		return "coreaudio"
	default:
		return "null"
	}
}

// isHardwareDevice reports whether an ALSA id looks like "hw:X,Y"-style hardware.
func isHardwareDevice(decodedID string) bool {
	if runtime.GOOS == "linux" {
		return strings.Contains(decodedID, ":") && strings.Contains(decodedID, ",")
	}
	return true
}

// HardwareOnly filters out virtual devices.
func HardwareOnly(devices []DeviceInfo) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if isHardwareDevice(d.DecodedID()) {
			out = append(out, d)
		}
	}
	return out
}

// decodeID turns a hex token into text, trimming the NUL padding backends use.
func decodeID(token string) string {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return token
	}
	text := strings.TrimRight(string(raw), "\x00")
	for _, r := range text {
		if r < 0x20 || r > 0x7e {
			return token
		}
	}
	return text
}
