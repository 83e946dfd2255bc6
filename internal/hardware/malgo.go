package hardware

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logger"
)

// MalgoDriver is a Driver backed by a miniaudio context.
type MalgoDriver struct {
	backend string
	log     logger.Logger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// backends maps config names to malgo backends.
var backends = map[string]malgo.Backend{
	"alsa":      malgo.BackendAlsa,
	"pulse":     malgo.BackendPulseaudio,
	"jack":      malgo.BackendJack,
	"wasapi":    malgo.BackendWasapi,
	"dsound":    malgo.BackendDsound,
	"winmm":     malgo.BackendWinmm,
	"coreaudio": malgo.BackendCoreaudio,
	"null":      malgo.BackendNull,
}

// NewMalgoDriver initializes a malgo context on backend ("" picks the platform
// default). The context lives until Close.
func NewMalgoDriver(backend string, log logger.Logger) (*MalgoDriver, error) {
	if backend == "" {
		backend = DefaultBackend()
	}
	b, ok := backends[strings.ToLower(backend)]
	if !ok {
		return nil, errors.New(fmt.Errorf("unknown audio backend %q", backend)).
			Component("hardware").
			Category(errors.CategoryConfiguration).
			Context("backend", backend).
			Build()
	}
	if log == nil {
		log = logger.Global().Module("hardware")
	}

	ctx, err := malgo.InitContext([]malgo.Backend{b}, malgo.ContextConfig{}, func(message string) {
		log.Debug("malgo", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, errors.New(err).
			Component("hardware").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Context("backend", backend).
			Build()
	}

	return &MalgoDriver{backend: backend, log: log, ctx: ctx}, nil
}

// Name returns the backend name.
func (d *MalgoDriver) Name() string {
	return d.backend
}

// Devices enumerates playback or capture devices, skipping the ALSA null sink.
func (d *MalgoDriver) Devices(dir Direction) ([]DeviceInfo, error) {
	infos, err := d.rawDevices(dir)
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		devices = append(devices, DeviceInfo{
			Index:   i,
			Name:    infos[i].Name(),
			ID:      DeviceID(infos[i].ID.String()),
			Default: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

func (d *MalgoDriver) rawDevices(dir Direction) ([]malgo.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, errors.New(fmt.Errorf("audio driver is closed")).
			Component("hardware").
			Category(errors.CategoryState).
			Build()
	}

	kind := malgo.Playback
	if dir == Capture {
		kind = malgo.Capture
	}
	infos, err := d.ctx.Devices(kind)
	if err != nil {
		return nil, errors.New(err).
			Component("hardware").
			Category(errors.CategoryAudioDevice).
			Context("operation", "enumerate_devices").
			Context("direction", dir.String()).
			Build()
	}
	return infos, nil
}

// Open initializes a playback stream in low-latency mode.
func (d *MalgoDriver) Open(cfg StreamConfig, cb Callback, onStop func()) (Stream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	if cfg.Format == FormatF32 {
		deviceConfig.Playback.Format = malgo.FormatF32
	}
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	deviceConfig.PerformanceProfile = malgo.LowLatency
	deviceConfig.Alsa.NoMMap = 1

	var infos []malgo.DeviceInfo
	if cfg.DeviceID != "" {
		var err error
		if infos, err = d.rawDevices(Playback); err != nil {
			return nil, err
		}
		idx := -1
		for i := range infos {
			if infos[i].ID.String() == string(cfg.DeviceID) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errors.New(fmt.Errorf("playback device %s not found", decodeID(string(cfg.DeviceID)))).
				Component("hardware").
				Category(errors.CategoryNotFound).
				Context("operation", "open_stream").
				Build()
		}
		deviceConfig.Playback.DeviceID = infos[idx].ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			cb(out, int(frames))
		},
	}
	if onStop != nil {
		callbacks.Stop = onStop
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, errors.New(fmt.Errorf("audio driver is closed")).
			Component("hardware").
			Category(errors.CategoryState).
			Build()
	}
	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, errors.New(err).
			Component("hardware").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_device").
			Context("sample_rate", cfg.SampleRate).
			Context("channels", cfg.Channels).
			Build()
	}

	format := FormatS16
	if device.PlaybackFormat() == malgo.FormatF32 {
		format = FormatF32
	}
	return &malgoStream{device: device, format: format}, nil
}

// Close releases the malgo context. Streams must be closed first.
func (d *MalgoDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	if err != nil {
		return errors.New(err).
			Component("hardware").
			Category(errors.CategoryAudioDevice).
			Context("operation", "uninit_context").
			Build()
	}
	return nil
}

// malgoStream wraps one initialized malgo device.
type malgoStream struct {
	mu     sync.Mutex
	device *malgo.Device
	format Format
}

func (s *malgoStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return errStreamClosed()
	}
	if err := s.device.Start(); err != nil {
		return errors.New(err).
			Component("hardware").
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_device").
			Build()
	}
	return nil
}

func (s *malgoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return errStreamClosed()
	}
	if err := s.device.Stop(); err != nil {
		return errors.New(err).
			Component("hardware").
			Category(errors.CategoryAudioDevice).
			Context("operation", "stop_device").
			Build()
	}
	return nil
}

func (s *malgoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	s.device.Uninit()
	s.device = nil
	return nil
}

func (s *malgoStream) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return 0
	}
	return int(s.device.SampleRate())
}

func (s *malgoStream) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return 0
	}
	return int(s.device.PlaybackChannels())
}

func (s *malgoStream) Format() Format {
	return s.format
}

func errStreamClosed() error {
	return errors.New(fmt.Errorf("audio stream is closed")).
		Component("hardware").
		Category(errors.CategoryState).
		Build()
}
