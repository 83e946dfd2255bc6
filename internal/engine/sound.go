package engine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// Flags change how a sound is created.
type Flags uint32

const (
	// FlagLooping starts the sound looping.
	FlagLooping Flags = 1 << iota
	// FlagNoPitch ignores pitch set on the sound and its groups.
	FlagNoPitch
	// FlagNoSpatialization is recorded; 3D parameters are never applied.
	FlagNoSpatialization
)

// Spatial holds a sound's 3D parameters. They are stored for the host and
// never used for rendering.
type Spatial struct {
	Position      Vec3
	Direction     Vec3
	Velocity      Vec3
	Cone          Cone
	DopplerFactor float32
}

type fadeRequest struct {
	beg, end  float32 // beg < 0 starts from the current fade volume
	frames    uint64
	startTime uint64 // engine time the fade begins at
}

// fader ramps a gain linearly. Processing pass only.
type fader struct {
	beg, end, vol float32
	length, pos   uint64
	active        bool
}

func (f *fader) start(r *fadeRequest) {
	beg := r.beg
	if beg < 0 {
		beg = f.vol
	}
	f.beg, f.end = beg, r.end
	f.length, f.pos = r.frames, 0
	f.active = r.frames > 0
	f.vol = beg
	if !f.active {
		f.vol = r.end
	}
}

func (f *fader) next() float32 {
	if !f.active {
		return f.vol
	}
	v := f.beg + (f.end-f.beg)*float32(f.pos)/float32(f.length)
	f.pos++
	f.vol = v
	if f.pos >= f.length {
		f.active = false
		f.vol = f.end
	}
	return v
}

// Sound plays one data source, which it owns. It has no input buses and one
// output bus, attached at creation to its group or the endpoint. A nil
// *Sound is inert: queries return zero values and mutators do nothing.
type Sound struct {
	b     *base
	e     *Engine
	kind  SourceKind
	flags Flags
	group *Group
	src   DataSource

	volume     atomic.Uint32 // float32 bits
	pan        atomic.Uint32
	pitch      atomic.Uint32
	fadeVolume atomic.Uint32
	looping    atomic.Bool
	atEnd      atomic.Bool
	seekTo     atomic.Int64 // -1 when no seek is pending
	cursor     atomic.Uint64
	fade       atomic.Pointer[fadeRequest]

	spatialMu sync.Mutex
	spatial   Spatial

	// Processing-pass state.
	rs        *resampler
	fader     fader
	rateRatio float64
}

// NewSoundFromFile decodes path (through the engine's decode cache) and
// returns a stopped sound attached to group, or to the endpoint when group
// is nil.
func (e *Engine) NewSoundFromFile(path string, flags Flags, group *Group) (s *Sound, err error) {
	if !e.Initialized() {
		return nil, notInitialized("init_sound_from_file")
	}
	defer e.record(metrics.OpLoadSound, time.Now(), &err)

	pcm, err := e.cache.Load(path)
	if err != nil {
		return nil, err
	}
	e.recordDecodedSize(pcm)
	return e.newSound(SourceFile, newPCMSource(pcm), flags, group, "init_sound_from_file")
}

// NewSoundFromMemory decodes an encoded file held in data.
func (e *Engine) NewSoundFromMemory(data []byte, flags Flags, group *Group) (*Sound, error) {
	if !e.Initialized() {
		return nil, notInitialized("init_sound_from_memory")
	}
	pcm, err := DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	e.recordDecodedSize(pcm)
	return e.newSound(SourceMemory, newPCMSource(pcm), flags, group, "init_sound_from_memory")
}

// NewNoiseSound returns an endless noise generator at the engine's rate and
// channel count.
func (e *Engine) NewNoiseSound(kind NoiseType, amplitude float64, seed int32, group *Group) (*Sound, error) {
	if !e.Initialized() {
		return nil, notInitialized("init_noise_sound")
	}
	src, err := newNoiseSource(kind, amplitude, seed, e.sampleRate, e.channels)
	if err != nil {
		return nil, invalidParam(err, "init_noise_sound")
	}
	return e.newSound(SourceNoise, src, 0, group, "init_noise_sound")
}

// NewWaveformSound returns an endless periodic generator at the engine's
// rate and channel count.
func (e *Engine) NewWaveformSound(kind WaveformType, amplitude, frequency float64, group *Group) (*Sound, error) {
	if !e.Initialized() {
		return nil, notInitialized("init_waveform_sound")
	}
	src, err := newWaveformSource(kind, amplitude, frequency, e.sampleRate, e.channels)
	if err != nil {
		return nil, invalidParam(err, "init_waveform_sound")
	}
	return e.newSound(SourceWaveform, src, 0, group, "init_waveform_sound")
}

// newSound wires src into the graph. On failure src is closed and nothing
// stays registered.
func (e *Engine) newSound(kind SourceKind, src DataSource, flags Flags, group *Group, op string) (*Sound, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fail := func(err error) (*Sound, error) {
		if cerr := src.Close(); cerr != nil {
			e.log.Warn("closing data source failed", logger.Error(cerr))
		}
		return nil, err
	}
	if !e.initialized.Load() {
		return fail(notInitialized(op))
	}
	dst := e.endpoint.Load().b
	if group != nil {
		g, err := e.liveNodeLocked(group, op)
		if err != nil {
			return fail(err)
		}
		dst = g
	}

	s := &Sound{
		e:         e,
		kind:      kind,
		flags:     flags,
		group:     group,
		src:       src,
		rs:        newResampler(src, e.channels),
		fader:     fader{vol: 1},
		rateRatio: float64(src.SampleRate()) / float64(e.sampleRate),
	}
	s.volume.Store(math.Float32bits(1))
	s.pitch.Store(math.Float32bits(1))
	s.fadeVolume.Store(math.Float32bits(1))
	s.seekTo.Store(-1)
	s.looping.Store(flags&FlagLooping != 0)

	s.b = e.newBaseLocked("sound", s, s, 0, 1)
	s.b.started.Store(false)
	s.b.onClose = s.release
	if err := e.attachLocked(s.b, 0, dst, 0); err != nil {
		delete(e.nodes, s.b)
		return fail(err)
	}

	e.log.Debug("sound created",
		logger.String("node_id", s.b.id),
		logger.String("source", kind.String()),
		logger.Int("source_rate", src.SampleRate()),
		logger.Int("source_channels", src.Channels()))
	return s, nil
}

func (s *Sound) release() {
	if err := s.src.Close(); err != nil {
		s.e.log.Warn("closing data source failed", logger.Error(err), logger.String("node_id", s.b.id))
	}
}

func (s *Sound) process(_, out [][]float32, frames int) {
	ch := s.b.channels
	o := out[0][:frames*ch]

	if seek := s.seekTo.Swap(-1); seek >= 0 {
		_ = s.rs.seek(uint64(seek))
		s.cursor.Store(uint64(seek))
	}
	if req := s.fade.Load(); req != nil && s.e.time.Load() >= req.startTime {
		if s.fade.CompareAndSwap(req, nil) {
			s.fader.start(req)
		}
	}

	step := s.rateRatio
	if s.flags&FlagNoPitch == 0 {
		step *= float64(s.effectivePitch())
	}
	n := s.rs.read(o, frames, step, s.looping.Load())
	clear(o[n*ch:])
	if n < frames {
		s.cursor.Store(s.src.LengthInFrames())
		s.atEnd.Store(true)
		s.b.started.Store(false)
	} else {
		s.cursor.Store(s.rs.aPos)
	}

	vol := math.Float32frombits(s.volume.Load())
	pan := math.Float32frombits(s.pan.Load())
	for f := range n {
		g := vol * s.fader.next()
		frame := o[f*ch : (f+1)*ch]
		for c := range frame {
			frame[c] *= g
		}
		if ch == 2 && pan != 0 {
			applyBalance(frame, pan)
		}
	}
	s.fadeVolume.Store(math.Float32bits(s.fader.vol))
}

// applyBalance attenuates the side opposite to pan.
func applyBalance(frame []float32, pan float32) {
	if pan < 0 {
		frame[1] *= 1 + pan
	} else {
		frame[0] *= 1 - pan
	}
}

func (s *Sound) effectivePitch() float32 {
	p := math.Float32frombits(s.pitch.Load())
	for g := s.group; g != nil; g = g.parent {
		p *= math.Float32frombits(g.pitch.Load())
	}
	return p
}

func (s *Sound) live() bool {
	return s != nil && s.b != nil && !s.b.closed.Load()
}

// Play starts or resumes playback. A sound at its end restarts from the
// beginning.
func (s *Sound) Play() {
	if !s.live() {
		return
	}
	if s.atEnd.Swap(false) {
		s.seekTo.Store(0)
	}
	s.b.started.Store(true)
}

// Stop pauses playback and keeps the cursor.
func (s *Sound) Stop() {
	if s.live() {
		s.b.started.Store(false)
	}
}

// IsPlaying reports whether the sound is started.
func (s *Sound) IsPlaying() bool {
	return s.live() && s.b.started.Load()
}

// AtEnd reports whether a non-looping sound ran out. A nil sound is at its end.
func (s *Sound) AtEnd() bool {
	if s == nil {
		return true
	}
	return s.atEnd.Load()
}

// SetVolume sets the linear gain; negative values are treated as zero.
func (s *Sound) SetVolume(v float32) {
	if s.live() {
		s.volume.Store(math.Float32bits(clampVolume(v)))
	}
}

// Volume returns the linear gain, 0 for a nil sound.
func (s *Sound) Volume() float32 {
	if s == nil {
		return 0
	}
	return math.Float32frombits(s.volume.Load())
}

// SetPan sets the stereo balance in [-1, 1].
func (s *Sound) SetPan(pan float32) {
	if s.live() {
		s.pan.Store(math.Float32bits(clampPan(pan)))
	}
}

// Pan returns the stereo balance.
func (s *Sound) Pan() float32 {
	if s == nil {
		return 0
	}
	return math.Float32frombits(s.pan.Load())
}

// SetPitch sets the playback rate multiplier. Values not above zero are ignored.
func (s *Sound) SetPitch(p float32) {
	if s.live() && p > 0 && !math.IsInf(float64(p), 0) {
		s.pitch.Store(math.Float32bits(p))
	}
}

// Pitch returns the sound's own rate multiplier, without group pitch.
func (s *Sound) Pitch() float32 {
	if s == nil {
		return 0
	}
	return math.Float32frombits(s.pitch.Load())
}

// SetLooping makes the sound wrap to its start instead of ending.
func (s *Sound) SetLooping(on bool) {
	if s.live() {
		s.looping.Store(on)
	}
}

// IsLooping reports whether the sound loops.
func (s *Sound) IsLooping() bool {
	return s != nil && s.looping.Load()
}

// SetPosition stores the 3D position. It does not affect the mix.
func (s *Sound) SetPosition(x, y, z float32) {
	s.updateSpatial(func(sp *Spatial) { sp.Position = Vec3{x, y, z} })
}

// SetDirection stores the 3D facing direction.
func (s *Sound) SetDirection(x, y, z float32) {
	s.updateSpatial(func(sp *Spatial) { sp.Direction = Vec3{x, y, z} })
}

// SetVelocity stores the 3D velocity.
func (s *Sound) SetVelocity(x, y, z float32) {
	s.updateSpatial(func(sp *Spatial) { sp.Velocity = Vec3{x, y, z} })
}

// SetCone sets the inner and outer cone angles in radians and the gain
// outside the outer cone.
func (s *Sound) SetCone(inner, outer, outerGain float32) {
	s.updateSpatial(func(sp *Spatial) { sp.Cone = Cone{InnerAngle: inner, OuterAngle: outer, OuterGain: outerGain} })
}

// SetDopplerFactor stores the doppler factor.
func (s *Sound) SetDopplerFactor(f float32) {
	s.updateSpatial(func(sp *Spatial) { sp.DopplerFactor = f })
}

func (s *Sound) updateSpatial(fn func(*Spatial)) {
	if !s.live() {
		return
	}
	s.spatialMu.Lock()
	fn(&s.spatial)
	s.spatialMu.Unlock()
}

// Spatial returns the stored 3D parameters.
func (s *Sound) Spatial() Spatial {
	if s == nil {
		return Spatial{}
	}
	s.spatialMu.Lock()
	defer s.spatialMu.Unlock()
	return s.spatial
}

// SetFadeInPCMFrames ramps the fade gain from beg to end over frames frames,
// starting with the next pass. A negative beg starts from the current fade
// gain.
func (s *Sound) SetFadeInPCMFrames(beg, end float32, frames uint64) {
	if s.live() {
		s.fade.Store(&fadeRequest{beg: beg, end: end, frames: frames})
	}
}

// SetFadeStartTime schedules a fade to begin once the engine clock reaches
// startTime (in frames).
func (s *Sound) SetFadeStartTime(beg, end float32, frames, startTime uint64) {
	if s.live() {
		s.fade.Store(&fadeRequest{beg: beg, end: end, frames: frames, startTime: startTime})
	}
}

// FadeVolume returns the fade gain as of the last pass.
func (s *Sound) FadeVolume() float32 {
	if s == nil {
		return 0
	}
	return math.Float32frombits(s.fadeVolume.Load())
}

// SeekToPCMFrame moves the cursor. The seek lands on the next pass.
func (s *Sound) SeekToPCMFrame(frame uint64) error {
	if !s.live() {
		return nil
	}
	if l := s.src.LengthInFrames(); l > 0 && frame > l {
		return invalidParam(fmt.Errorf("seek to frame %d past length %d", frame, l), "seek_sound")
	}
	s.seekTo.Store(int64(frame))
	s.atEnd.Store(false)
	return nil
}

// LengthInPCMFrames returns the source length, 0 for generators.
func (s *Sound) LengthInPCMFrames() uint64 {
	if s == nil {
		return 0
	}
	return s.src.LengthInFrames()
}

// CursorInPCMFrames returns the playback position in source frames.
func (s *Sound) CursorInPCMFrames() uint64 {
	if s == nil {
		return 0
	}
	if p := s.seekTo.Load(); p >= 0 {
		return uint64(p)
	}
	return s.cursor.Load()
}

// Kind returns the kind of source the sound plays.
func (s *Sound) Kind() SourceKind {
	if s == nil {
		return SourceFile
	}
	return s.kind
}

// Flags returns the flags the sound was created with.
func (s *Sound) Flags() Flags {
	if s == nil {
		return 0
	}
	return s.flags
}

// Group returns the group the sound was created in, nil for the endpoint.
func (s *Sound) Group() *Group {
	if s == nil {
		return nil
	}
	return s.group
}

func (s *Sound) graphNode() *base {
	if s == nil {
		return nil
	}
	return s.b
}

func (s *Sound) ID() string          { return s.graphNode().nodeID() }
func (s *Sound) InputBusCount() int  { return s.graphNode().inputCount() }
func (s *Sound) OutputBusCount() int { return s.graphNode().outputCount() }

// Close detaches the sound and closes its source. Closing twice is a no-op.
func (s *Sound) Close() error { return s.graphNode().close() }

func clampPan(p float32) float32 {
	if p != p {
		return 0
	}
	return min(max(p, -1), 1)
}
