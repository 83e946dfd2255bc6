// Package engine hosts a pull-based audio node graph on its own playback
// stream. Sounds and groups feed filter, delay and splitter nodes that end in
// the endpoint; every hardware callback runs one processing pass from the
// endpoint back through the graph.
//
// Control methods (factories, wiring, Close) are serialized by the engine
// mutex. The processing pass never takes it: edges, parameters and filter
// coefficients are published with atomics, and per-node buffers are
// allocated when the node is created.
package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/hardware"
	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// Defaults applied to zero Config fields.
const (
	DefaultSampleRate   = 48000
	DefaultChannels     = 2
	DefaultPeriodFrames = 256
	MaxListeners        = 4
)

// Sentinel errors, matched with errors.Is.
var (
	ErrNotInitialized = errors.NewStd("engine not initialized")
	ErrInvalidConfig  = errors.NewStd("invalid engine configuration")
	ErrInvalidBus     = errors.NewStd("invalid bus index")
	ErrCycle          = errors.NewStd("attachment would create a cycle")
	ErrNodeClosed     = errors.NewStd("node is closed")
	ErrForeignNode    = errors.NewStd("node belongs to another engine")
	ErrInvalidParam   = errors.NewStd("invalid node parameter")
)

// Config describes the engine and its playback stream.
type Config struct {
	SampleRate   int
	Channels     int
	PeriodFrames int
	// DeviceID selects the playback device; empty uses the default.
	DeviceID hardware.DeviceID
	// ListenerCount defaults to 1, at most MaxListeners.
	ListenerCount int
	// NoAutoStart leaves the stream stopped after New.
	NoAutoStart bool
	// DecodeCacheTTL bounds how long decoded files stay cached; zero keeps
	// them until the engine closes.
	DecodeCacheTTL time.Duration
	// MaxDecodeBytes rejects larger files; zero means no limit.
	MaxDecodeBytes int64
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
	if c.ListenerCount == 0 {
		c.ListenerCount = 1
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.SampleRate < 0 || c.Channels < 0 || c.PeriodFrames < 0:
		return fmt.Errorf("%w: negative value", ErrInvalidConfig)
	case c.Channels > 32:
		return fmt.Errorf("%w: %d channels", ErrInvalidConfig, c.Channels)
	case c.ListenerCount < 1 || c.ListenerCount > MaxListeners:
		return fmt.Errorf("%w: listener count %d outside 1..%d", ErrInvalidConfig, c.ListenerCount, MaxListeners)
	}
	return nil
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Time         uint64 // frames processed
	Passes       uint64
	SkippedReads uint64 // reads that found another pass running
	Nodes        int
	Sounds       int
}

// Engine owns a playback stream and the graph it renders.
type Engine struct {
	id      string
	log     logger.Logger
	driver  hardware.Driver
	cache   *DecodeCache
	metrics metrics.Recorder

	mu         sync.Mutex
	stream     hardware.Stream
	cfg        Config
	sampleRate int
	channels   int
	nodes      map[*base]struct{}
	listeners  []Listener

	inlineMu sync.Mutex
	inline   []*Sound

	initialized atomic.Bool
	running     atomic.Bool
	stopping    atomic.Bool
	endpoint    atomic.Pointer[Endpoint]
	volume      atomic.Uint32 // float32 bits
	time        atomic.Uint64

	// Processing pass state. busy admits one pass at a time; passSeq is odd
	// while a pass runs so the control plane can wait it out.
	busy         atomic.Bool
	passSeq      atomic.Uint64
	pass         uint64
	passes       atomic.Uint64
	skippedReads atomic.Uint64
	cbBuf        []float32
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithDecodeCache shares a decode cache between engines.
func WithDecodeCache(c *DecodeCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithRecorder reports sound loading and playback to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// New opens a playback stream on driver and returns an initialized engine.
// The stream is started unless cfg.NoAutoStart is set.
func New(cfg Config, driver hardware.Driver, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.New(err).
			Component("engine").
			Category(errors.CategoryValidation).
			Context("operation", "init_engine").
			Build()
	}
	if driver == nil {
		return nil, errors.New(fmt.Errorf("%w: no audio driver", ErrInvalidConfig)).
			Component("engine").
			Category(errors.CategoryConfiguration).
			Context("operation", "init_engine").
			Build()
	}

	e := &Engine{
		id:      uuid.NewString(),
		driver:  driver,
		cfg:     cfg,
		nodes:   make(map[*base]struct{}),
		metrics: metrics.Discard,
	}
	e.volume.Store(math.Float32bits(1))
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Global().Module("engine")
	}
	e.log = e.log.With(logger.String("engine_id", e.id))
	if e.cache == nil {
		e.cache = NewDecodeCache(cfg.DecodeCacheTTL, cfg.MaxDecodeBytes)
	}

	stream, err := driver.Open(hardware.StreamConfig{
		Format:       hardware.FormatF32,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		PeriodFrames: cfg.PeriodFrames,
		DeviceID:     cfg.DeviceID,
	}, e.callback, e.onDeviceStop)
	if err != nil {
		return nil, errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_device").
			Context("backend", driver.Name()).
			Build()
	}

	e.stream = stream
	e.sampleRate = cfg.SampleRate
	if sr := stream.SampleRate(); sr > 0 {
		e.sampleRate = sr
	}
	e.channels = cfg.Channels
	if ch := stream.Channels(); ch > 0 {
		e.channels = ch
	}
	e.cbBuf = make([]float32, cfg.PeriodFrames*e.channels)
	e.listeners = make([]Listener, cfg.ListenerCount)
	for i := range e.listeners {
		e.listeners[i] = defaultListener()
	}

	e.initialized.Store(true)
	e.mu.Lock()
	e.endpoint.Store(e.newEndpointLocked())
	e.mu.Unlock()

	e.log.Info("engine initialized",
		logger.Int("sample_rate", e.sampleRate),
		logger.Int("channels", e.channels),
		logger.Int("period_frames", cfg.PeriodFrames),
		logger.String("backend", driver.Name()))

	if !cfg.NoAutoStart {
		if err := e.Start(); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

// ID returns the engine's unique id.
func (e *Engine) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// Initialized reports whether the engine is usable.
func (e *Engine) Initialized() bool {
	return e != nil && e.initialized.Load()
}

// Running reports whether the playback stream is started.
func (e *Engine) Running() bool {
	return e != nil && e.running.Load()
}

// Start starts the playback stream. Starting a running engine is a no-op.
func (e *Engine) Start() error {
	if e == nil {
		return notInitialized("start_engine")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() {
		return notInitialized("start_engine")
	}
	if e.running.Load() {
		return nil
	}
	if err := e.stream.Start(); err != nil {
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_device").
			Build()
	}
	e.stopping.Store(false)
	e.running.Store(true)
	e.log.Debug("engine started")
	return nil
}

// Stop stops the playback stream. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.running.Load() {
		return nil
	}
	e.stopping.Store(true)
	if err := e.stream.Stop(); err != nil {
		e.stopping.Store(false)
		return errors.New(err).
			Component("engine").
			Category(errors.CategoryAudioDevice).
			Context("operation", "stop_device").
			Build()
	}
	e.running.Store(false)
	e.log.Debug("engine stopped", logger.Uint64("time", e.time.Load()))
	return nil
}

// Close stops the stream, tears down every node (closing the sources sounds
// own) and releases the stream. Closing twice is a no-op.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.inlineMu.Lock()
	e.inline = nil
	e.inlineMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() {
		return nil
	}
	if err := e.stopLocked(); err != nil {
		e.log.Warn("stop before close failed", logger.Error(err))
	}
	e.stopping.Store(true)
	e.initialized.Store(false)
	e.endpoint.Store(nil)
	e.quiesce()

	for b := range e.nodes {
		e.destroyLocked(b)
	}
	if err := e.stream.Close(); err != nil {
		e.log.Warn("releasing engine stream failed", logger.Error(err))
	}
	e.stream = nil
	e.log.Info("engine closed", logger.Uint64("time", e.time.Load()))
	return nil
}

func (e *Engine) onDeviceStop() {
	if e.stopping.Load() {
		return
	}
	if e.running.CompareAndSwap(true, false) {
		e.log.Warn("engine device stopped unexpectedly")
	}
}

// Endpoint returns the graph's final node, nil once the engine is closed.
func (e *Engine) Endpoint() *Endpoint {
	if e == nil {
		return nil
	}
	return e.endpoint.Load()
}

// SetVolume scales the final mix. Negative values are treated as zero.
func (e *Engine) SetVolume(v float32) {
	if e == nil {
		return
	}
	e.volume.Store(math.Float32bits(clampVolume(v)))
}

// Volume returns the master gain.
func (e *Engine) Volume() float32 {
	if e == nil {
		return 0
	}
	return math.Float32frombits(e.volume.Load())
}

// Time returns the global clock in PCM frames.
func (e *Engine) Time() uint64 {
	if e == nil {
		return 0
	}
	return e.time.Load()
}

// SampleRate returns the stream rate, 0 when uninitialized.
func (e *Engine) SampleRate() int {
	if !e.Initialized() {
		return 0
	}
	return e.sampleRate
}

// Channels returns the stream channel count, 0 when uninitialized.
func (e *Engine) Channels() int {
	if !e.Initialized() {
		return 0
	}
	return e.channels
}

// Cache returns the engine's decode cache.
func (e *Engine) Cache() *DecodeCache {
	if e == nil {
		return nil
	}
	return e.cache
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	e.mu.Lock()
	nodes := len(e.nodes)
	sounds := 0
	for b := range e.nodes {
		if _, ok := b.owner.(*Sound); ok {
			sounds++
		}
	}
	e.mu.Unlock()
	return Stats{
		Time:         e.time.Load(),
		Passes:       e.passes.Load(),
		SkippedReads: e.skippedReads.Load(),
		Nodes:        nodes,
		Sounds:       sounds,
	}
}

// ReadPCMFrames renders frames interleaved frames into out and returns the
// count rendered. It is what the stream callback runs; hosts may call it
// directly while the stream is stopped. A read that overlaps another pass
// returns silence and 0.
func (e *Engine) ReadPCMFrames(out []float32, frames int) int {
	if e == nil {
		clear(out)
		return 0
	}
	if !e.busy.CompareAndSwap(false, true) {
		if e.endpoint.Load() != nil {
			e.skippedReads.Add(1)
		}
		clear(out)
		return 0
	}
	defer e.busy.Store(false)
	// passSeq goes odd before the graph is read, so a control-plane writer
	// that unpublishes something either waits for this pass or is seen by it.
	e.passSeq.Add(1)
	defer e.passSeq.Add(1)
	ep := e.endpoint.Load()
	if ep == nil {
		clear(out)
		return 0
	}

	ch := e.channels
	frames = max(min(frames, len(out)/ch), 0)
	chunkFrames := e.cfg.PeriodFrames
	gain := math.Float32frombits(e.volume.Load())

	for done := 0; done < frames; {
		n := min(frames-done, chunkFrames)
		e.pass++
		ep.b.pull(e.pass, n)
		dst := out[done*ch : (done+n)*ch]
		for i, v := range ep.b.out[0][:n*ch] {
			dst[i] = v * gain
		}
		e.time.Add(uint64(n))
		e.passes.Add(1)
		done += n
	}
	clear(out[frames*ch:])
	return frames
}

// callback feeds the playback stream.
func (e *Engine) callback(out []byte, frames int) {
	ch := e.channels
	frameBytes := ch * 4
	frames = min(frames, len(out)/frameBytes)
	period := len(e.cbBuf) / ch
	for done := 0; done < frames; {
		n := min(frames-done, period)
		buf := e.cbBuf[:n*ch]
		e.ReadPCMFrames(buf, n)
		dst := out[done*frameBytes:]
		for i, v := range buf {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
		}
		done += n
	}
}

// quiesce waits for a pass that is running right now to finish. Anything
// unpublished before the call is unreachable to later passes.
func (e *Engine) quiesce() {
	seq := e.passSeq.Load()
	if seq%2 == 0 {
		return
	}
	for e.passSeq.Load() == seq {
		runtime.Gosched()
	}
}

// PlaySound plays a file once on the endpoint. Finished sounds are reclaimed
// by later calls and by Close.
func (e *Engine) PlaySound(path string) (err error) {
	defer e.record(metrics.OpPlaySound, time.Now(), &err)

	if !e.Initialized() {
		return notInitialized("play_sound")
	}
	e.reapInline()

	s, err := e.NewSoundFromFile(path, 0, nil)
	if err != nil {
		return err
	}
	s.Play()

	e.inlineMu.Lock()
	e.inline = append(e.inline, s)
	e.inlineMu.Unlock()
	return nil
}

func (e *Engine) record(op string, start time.Time, errp *error) {
	if e == nil {
		return
	}
	if err := *errp; err != nil {
		e.metrics.RecordOperation(op, metrics.StatusError)
		e.metrics.RecordError(op, string(errors.CategoryOf(err)))
		return
	}
	e.metrics.RecordOperation(op, metrics.StatusSuccess)
	e.metrics.RecordDuration(op, time.Since(start).Seconds())
}

// decodeSizeRecorder is implemented by recorders that also track how much
// decoded audio sounds hold.
type decodeSizeRecorder interface {
	RecordDecodedSize(format string, bytes int)
}

func (e *Engine) recordDecodedSize(pcm *PCM) {
	if r, ok := e.metrics.(decodeSizeRecorder); ok {
		r.RecordDecodedSize(string(pcm.Format), len(pcm.Samples)*4)
	}
}

func (e *Engine) reapInline() {
	e.inlineMu.Lock()
	var done []*Sound
	kept := e.inline[:0]
	for _, s := range e.inline {
		if s.AtEnd() {
			done = append(done, s)
		} else {
			kept = append(kept, s)
		}
	}
	clear(e.inline[len(kept):])
	e.inline = kept
	e.inlineMu.Unlock()

	for _, s := range done {
		_ = s.Close()
	}
}

// InlineSounds returns how many PlaySound sounds are still held.
func (e *Engine) InlineSounds() int {
	if e == nil {
		return 0
	}
	e.inlineMu.Lock()
	defer e.inlineMu.Unlock()
	return len(e.inline)
}

func notInitialized(op string) error {
	return errors.New(ErrNotInitialized).
		Component("engine").
		Category(errors.CategoryState).
		Context("operation", op).
		Build()
}

func graphError(err error, op string) error {
	return errors.New(err).
		Component("engine").
		Category(errors.CategoryGraph).
		Context("operation", op).
		Build()
}

func clampVolume(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}
	return v
}
