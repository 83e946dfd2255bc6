// Package hardwaretest provides a hardware.Driver whose callback clock is
// driven by the test: nothing plays until Tick is called.
package hardwaretest

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/tphakala/audiobridge/internal/hardware"
)

// Driver is an in-memory hardware.Driver.
type Driver struct {
	mu      sync.Mutex
	devices []hardware.DeviceInfo
	streams []*Stream
	closed  bool

	// Injected failures, returned by the next matching call when set.
	FailOpen  error
	FailStart error
	FailStop  error
}

// NewDriver returns a driver exposing two playback devices, the first default.
func NewDriver() *Driver {
	return &Driver{
		devices: []hardware.DeviceInfo{
			{Index: 0, Name: "Fake Speakers", ID: "fake:0,0", Default: true},
			{Index: 1, Name: "Fake Headphones", ID: "fake:1,0"},
		},
	}
}

func (d *Driver) Name() string { return "fake" }

// Devices returns the fixed device list for either direction.
func (d *Driver) Devices(hardware.Direction) ([]hardware.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hardware.DeviceInfo(nil), d.devices...), nil
}

// Open records a new stream. The reported rate and channels are the requested ones.
func (d *Driver) Open(cfg hardware.StreamConfig, cb hardware.Callback, onStop func()) (hardware.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("driver closed")
	}
	if err := d.FailOpen; err != nil {
		return nil, err
	}
	if cfg.DeviceID != "" {
		found := false
		for _, dev := range d.devices {
			found = found || dev.ID == cfg.DeviceID
		}
		if !found {
			return nil, fmt.Errorf("device %s not found", cfg.DeviceID)
		}
	}
	s := &Stream{driver: d, cfg: cfg, cb: cb, onStop: onStop}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Streams returns every stream opened so far, closed ones included.
func (d *Driver) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Last returns the most recently opened stream, or nil.
func (d *Driver) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Stream is a fake output stream.
type Stream struct {
	driver *Driver
	cfg    hardware.StreamConfig
	cb     hardware.Callback
	onStop func()

	mu         sync.Mutex
	started    bool
	closed     bool
	startCalls int
}

func (s *Stream) Start() error {
	s.driver.mu.Lock()
	fail := s.driver.FailStart
	s.driver.mu.Unlock()
	if fail != nil {
		return fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	s.started = true
	s.startCalls++
	return nil
}

func (s *Stream) Stop() error {
	s.driver.mu.Lock()
	fail := s.driver.FailStop
	s.driver.mu.Unlock()
	if fail != nil {
		return fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.closed = true
	return nil
}

func (s *Stream) SampleRate() int               { return s.cfg.SampleRate }
func (s *Stream) Channels() int                 { return s.cfg.Channels }
func (s *Stream) Format() hardware.Format       { return s.cfg.Format }
func (s *Stream) Config() hardware.StreamConfig { return s.cfg }

// Started reports whether the stream is running.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StartCalls counts successful Start calls.
func (s *Stream) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// Tick runs one callback for frames frames and returns the raw output block,
// or nil when the stream is not started.
func (s *Stream) Tick(frames int) []byte {
	s.mu.Lock()
	running := s.started
	s.mu.Unlock()
	if !running {
		return nil
	}
	out := make([]byte, frames*s.cfg.Channels*s.cfg.Format.BytesPerSample())
	// Real backends hand over dirty buffers.
	for i := range out {
		out[i] = 0x5a
	}
	s.cb(out, frames)
	return out
}

// TickS16 runs one callback and decodes the block as int16 samples.
func (s *Stream) TickS16(frames int) []int16 {
	raw := s.Tick(frames)
	if raw == nil {
		return nil
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out
}

// TickF32 runs one callback and decodes the block as float32 samples.
func (s *Stream) TickF32(frames int) []float32 {
	raw := s.Tick(frames)
	if raw == nil {
		return nil
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// SimulateDeviceLoss stops the stream as a backend would after a disconnect
// and fires the stop callback.
func (s *Stream) SimulateDeviceLoss() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	if s.onStop != nil {
		s.onStop()
	}
}

var _ hardware.Driver = (*Driver)(nil)
var _ hardware.Stream = (*Stream)(nil)
