// Package device owns a playback stream fed from a producer's ring buffer.
//
// A Session moves through three states:
//
//	Uninitialized --Open--> Initialized --Start--> Started
//	      ^                   |    ^                 |
//	      +-------Close-------+    +------Stop-------+
//
// Open on an open session tears the old stream down first. Start and Stop are
// idempotent. The hardware clock calls the pull callback, which drains the
// installed FIFO, zero-fills shortfalls, applies master volume and advances
// the frames-consumed counter. The callback never blocks, allocates or logs.
package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/fifo"
	"github.com/tphakala/audiobridge/internal/hardware"
	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// State is the session lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	default:
		return "uninitialized"
	}
}

// Defaults applied to zero Config fields.
const (
	DefaultSampleRate   = 48000
	DefaultChannels     = 2
	DefaultPeriodFrames = 256
)

// Sentinel errors, matched with errors.Is.
var (
	ErrNotInitialized = errors.NewStd("device session not initialized")
	ErrInvalidConfig  = errors.NewStd("invalid device configuration")
	ErrInvalidVolume  = errors.NewStd("invalid master volume")
	ErrStarted        = errors.NewStd("device session is started")
)

// Config describes the stream to open.
type Config struct {
	SampleRate   int
	Channels     int
	PeriodFrames int
	// DeviceID comes from hardware enumeration; empty selects the default device.
	DeviceID hardware.DeviceID
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.PeriodFrames == 0 {
		c.PeriodFrames = DefaultPeriodFrames
	}
	return c
}

func (c Config) validate() error {
	if c.SampleRate < 0 || c.Channels < 0 || c.PeriodFrames < 0 {
		return fmt.Errorf("%w: negative value in %+v", ErrInvalidConfig, c)
	}
	if c.Channels > 32 {
		return fmt.Errorf("%w: %d channels", ErrInvalidConfig, c.Channels)
	}
	return nil
}

// Stats is a snapshot of the session counters.
type Stats struct {
	FramesConsumed   uint64 // frames requested by the hardware, silence included
	SamplesDelivered uint64 // samples that came out of the FIFO
	Underruns        uint64 // callbacks the FIFO could not fully serve
	Callbacks        uint64
	UnexpectedStops  uint64
}

// Session is one device stream and its FIFO binding. Control methods are safe
// for concurrent use; the pull callback never takes the session lock.
type Session struct {
	id      string
	driver  hardware.Driver
	log     logger.Logger
	metrics metrics.Recorder

	mu     sync.Mutex
	stream hardware.Stream
	cfg    Config

	state    atomic.Int32
	stopping atomic.Bool
	fifo     fifo.Buffer
	volume   atomic.Uint32 // float32 bits

	framesConsumed   atomic.Uint64
	samplesDelivered atomic.Uint64
	underruns        atomic.Uint64
	callbacks        atomic.Uint64
	unexpectedStops  atomic.Uint64
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRecorder reports control operations to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.metrics = r
		}
	}
}

// NewSession returns an uninitialized session on driver.
func NewSession(driver hardware.Driver, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		driver:  driver,
		metrics: metrics.Discard,
	}
	s.volume.Store(math.Float32bits(1))
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("device")
	}
	s.log = s.log.With(logger.String("session_id", s.id))
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	if s == nil {
		return StateUninitialized
	}
	return State(s.state.Load())
}

// Open configures the session and opens its stream. An already open session
// is fully closed first; if the new stream cannot be opened the session ends
// up Uninitialized. Resets the frames-consumed counter.
func (s *Session) Open(cfg Config) (err error) {
	if s == nil {
		return notInitialized("open_device")
	}
	defer s.record(metrics.OpOpen, time.Now(), &err)

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return errors.New(err).
			Component("device").
			Category(errors.CategoryValidation).
			Context("operation", "open_device").
			Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateUninitialized {
		s.log.Debug("reopening device session", logger.String("state", s.State().String()))
		s.closeLocked()
	}

	puller := newPuller(s, cfg)
	stream, err := s.driver.Open(hardware.StreamConfig{
		Format:       hardware.FormatS16,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		PeriodFrames: cfg.PeriodFrames,
		DeviceID:     cfg.DeviceID,
	}, puller.pull, s.onDeviceStop)
	if err != nil {
		return errors.New(err).
			Component("device").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_device").
			Context("sample_rate", cfg.SampleRate).
			Context("channels", cfg.Channels).
			Context("backend", s.driver.Name()).
			Build()
	}

	// The backend may substitute its own channel count; the callback has to
	// interleave for what it actually got.
	if got := stream.Channels(); got > 0 && got != cfg.Channels {
		puller.resize(got, cfg.PeriodFrames)
	}

	s.stream = stream
	s.cfg = cfg
	s.framesConsumed.Store(0)
	s.samplesDelivered.Store(0)
	s.underruns.Store(0)
	s.callbacks.Store(0)
	s.state.Store(int32(StateInitialized))

	s.log.Info("device session opened",
		logger.Int("sample_rate", stream.SampleRate()),
		logger.Int("channels", stream.Channels()),
		logger.Int("period_frames", cfg.PeriodFrames),
		logger.String("backend", s.driver.Name()))
	return nil
}

// Start starts the hardware clock. Starting a started session is a no-op.
func (s *Session) Start() (err error) {
	if s == nil {
		return notInitialized("start_device")
	}
	defer s.record(metrics.OpStart, time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateStarted:
		return nil
	case StateUninitialized:
		return notInitialized("start_device")
	}

	if err := s.stream.Start(); err != nil {
		return errors.New(err).
			Component("device").
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_device").
			Build()
	}
	s.stopping.Store(false)
	s.state.Store(int32(StateStarted))
	s.log.Debug("device started")
	return nil
}

// Stop halts the hardware clock. Stopping a session that is not started is a no-op.
func (s *Session) Stop() (err error) {
	if s == nil {
		return nil
	}
	defer s.record(metrics.OpStop, time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	if s.State() != StateStarted {
		return nil
	}
	s.stopping.Store(true)
	if err := s.stream.Stop(); err != nil {
		s.stopping.Store(false)
		return errors.New(err).
			Component("device").
			Category(errors.CategoryAudioDevice).
			Context("operation", "stop_device").
			Build()
	}
	s.state.Store(int32(StateInitialized))
	s.log.Debug("device stopped", logger.Uint64("frames_consumed", s.framesConsumed.Load()))
	return nil
}

// Close stops and releases the stream. Closing an uninitialized session is a no-op.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if s.State() == StateUninitialized {
		return
	}
	if err := s.stopLocked(); err != nil {
		s.log.Warn("stop before close failed", logger.Error(err))
	}
	s.stopping.Store(true)
	if err := s.stream.Close(); err != nil {
		s.log.Warn("releasing device stream failed", logger.Error(err))
	}
	s.stream = nil
	s.state.Store(int32(StateUninitialized))
	s.log.Info("device session closed")
}

func (s *Session) record(op string, start time.Time, errp *error) {
	if err := *errp; err != nil {
		s.metrics.RecordOperation(op, metrics.StatusError)
		s.metrics.RecordError(op, string(errors.CategoryOf(err)))
		return
	}
	s.metrics.RecordOperation(op, metrics.StatusSuccess)
	s.metrics.RecordDuration(op, time.Since(start).Seconds())
}

// onDeviceStop runs on the backend's thread, possibly inside stream.Stop while
// s.mu is held, so it only touches atomics and the logger.
func (s *Session) onDeviceStop() {
	if s.stopping.Load() {
		return
	}
	if s.state.CompareAndSwap(int32(StateStarted), int32(StateInitialized)) {
		s.unexpectedStops.Add(1)
		s.log.Warn("audio device stopped unexpectedly")
	}
}

// InstallFIFO hands the session a producer-owned ring buffer and zeroes both
// positions. A nil buf uninstalls it, after which the device plays silence.
// Installing on a started session fails; stop it first.
func (s *Session) InstallFIFO(buf []int16, capacity int, readPos, writePos *atomic.Int64) error {
	if s == nil {
		return notInitialized("install_fifo")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateStarted {
		return errors.New(ErrStarted).
			Component("device").
			Category(errors.CategoryState).
			Context("operation", "install_fifo").
			Build()
	}
	if err := s.fifo.Install(buf, capacity, readPos, writePos); err != nil {
		return err
	}
	s.log.Debug("fifo installed", logger.Int("capacity", capacity))
	return nil
}

// FIFO exposes the installed ring buffer, for producers sharing this process.
func (s *Session) FIFO() *fifo.Buffer {
	if s == nil {
		return nil
	}
	return &s.fifo
}

// FIFOAvailable returns the samples waiting in the FIFO.
func (s *Session) FIFOAvailable() int {
	if s == nil {
		return 0
	}
	return s.fifo.Available()
}

// SetMasterVolume sets the linear output gain. 1 is unity, above 1 amplifies
// with clipping.
func (s *Session) SetMasterVolume(gain float32) error {
	if s == nil {
		return notInitialized("set_master_volume")
	}
	if gain < 0 || math.IsNaN(float64(gain)) || math.IsInf(float64(gain), 0) {
		return errors.New(fmt.Errorf("%w: %v", ErrInvalidVolume, gain)).
			Component("device").
			Category(errors.CategoryValidation).
			Context("operation", "set_master_volume").
			Build()
	}
	s.volume.Store(math.Float32bits(gain))
	return nil
}

// MasterVolume returns the linear output gain.
func (s *Session) MasterVolume() float32 {
	if s == nil {
		return 0
	}
	return math.Float32frombits(s.volume.Load())
}

// FramesConsumed returns the frames the hardware has requested since Open.
func (s *Session) FramesConsumed() uint64 {
	if s == nil {
		return 0
	}
	return s.framesConsumed.Load()
}

// SampleRate returns the rate the hardware runs at, 0 when uninitialized.
func (s *Session) SampleRate() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return 0
	}
	return s.stream.SampleRate()
}

// Channels returns the hardware channel count, 0 when uninitialized.
func (s *Session) Channels() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return 0
	}
	return s.stream.Channels()
}

// Config returns the configuration of the last successful Open.
func (s *Session) Config() Config {
	if s == nil {
		return Config{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		FramesConsumed:   s.framesConsumed.Load(),
		SamplesDelivered: s.samplesDelivered.Load(),
		Underruns:        s.underruns.Load(),
		Callbacks:        s.callbacks.Load(),
		UnexpectedStops:  s.unexpectedStops.Load(),
	}
}

func notInitialized(op string) error {
	return errors.New(ErrNotInitialized).
		Component("device").
		Category(errors.CategoryState).
		Context("operation", op).
		Build()
}

// puller is the real-time side of a session, one per opened stream.
type puller struct {
	s        *Session
	channels int
	scratch  []int16
}

func newPuller(s *Session, cfg Config) *puller {
	p := &puller{s: s}
	p.resize(cfg.Channels, cfg.PeriodFrames)
	return p
}

// resize must happen before the stream starts.
func (p *puller) resize(channels, periodFrames int) {
	p.channels = channels
	p.scratch = make([]int16, channels*periodFrames)
}

// pull serves one hardware callback. Requests longer than a period are served
// in period-sized chunks.
func (p *puller) pull(out []byte, frames int) {
	s := p.s
	needed := min(frames*p.channels, len(out)/2)
	gain := math.Float32frombits(s.volume.Load())

	short := false
	for done := 0; done < needed; {
		chunk := p.scratch[:min(len(p.scratch), needed-done)]
		n := s.fifo.Drain(chunk)
		s.samplesDelivered.Add(uint64(n))
		short = short || n < len(chunk)
		if gain != 1 {
			applyGain(chunk[:n], gain)
		}
		dst := out[2*done:]
		for i, v := range chunk {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(v))
		}
		done += len(chunk)
	}

	if short {
		s.underruns.Add(1)
	}
	s.callbacks.Add(1)
	s.framesConsumed.Add(uint64(frames))
}

// applyGain scales samples in place, clamping to the int16 range.
func applyGain(samples []int16, gain float32) {
	for i, v := range samples {
		amplified := float32(v) * gain
		if amplified > math.MaxInt16 {
			amplified = math.MaxInt16
		} else if amplified < math.MinInt16 {
			amplified = math.MinInt16
		}
		samples[i] = int16(amplified)
	}
}
