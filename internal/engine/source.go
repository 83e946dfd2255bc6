package engine

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync/atomic"
)

// DataSource produces interleaved float32 frames for a sound. Only the
// processing pass reads or seeks it; Close runs after the last pass that
// could reach it.
type DataSource interface {
	// ReadFrames fills up to frames frames into dst and returns io.EOF once
	// the source is exhausted.
	ReadFrames(dst []float32, frames int) (int, error)
	SeekToFrame(frame uint64) error
	// LengthInFrames is 0 for endless sources.
	LengthInFrames() uint64
	SampleRate() int
	Channels() int
	io.Closer
}

// SourceKind identifies what a sound plays from.
type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceMemory
	SourceNoise
	SourceWaveform
)

func (k SourceKind) String() string {
	switch k {
	case SourceFile:
		return "file"
	case SourceMemory:
		return "memory"
	case SourceNoise:
		return "noise"
	case SourceWaveform:
		return "waveform"
	default:
		return "unknown"
	}
}

// PCM is decoded audio. It is shared read-only between sounds.
type PCM struct {
	Samples    []float32
	Channels   int
	SampleRate int
	// Format is the container the samples were decoded from, if any.
	Format Format
}

// Frames returns the length in frames.
func (p *PCM) Frames() uint64 {
	if p == nil || p.Channels == 0 {
		return 0
	}
	return uint64(len(p.Samples) / p.Channels)
}

// Duration returns the length in seconds.
func (p *PCM) Duration() float64 {
	if p == nil || p.SampleRate == 0 {
		return 0
	}
	return float64(p.Frames()) / float64(p.SampleRate)
}

// pcmSource plays one PCM with its own cursor.
type pcmSource struct {
	pcm    *PCM
	cursor uint64
	closed atomic.Bool
}

func newPCMSource(pcm *PCM) *pcmSource {
	return &pcmSource{pcm: pcm}
}

func (s *pcmSource) ReadFrames(dst []float32, frames int) (int, error) {
	total := s.pcm.Frames()
	if s.closed.Load() || s.cursor >= total {
		return 0, io.EOF
	}
	ch := s.pcm.Channels
	n := min(uint64(frames), uint64(len(dst)/ch), total-s.cursor)
	copy(dst, s.pcm.Samples[s.cursor*uint64(ch):(s.cursor+n)*uint64(ch)])
	s.cursor += n
	return int(n), nil
}

func (s *pcmSource) SeekToFrame(frame uint64) error {
	if frame > s.pcm.Frames() {
		return fmt.Errorf("seek to frame %d past end %d", frame, s.pcm.Frames())
	}
	s.cursor = frame
	return nil
}

func (s *pcmSource) LengthInFrames() uint64 { return s.pcm.Frames() }
func (s *pcmSource) SampleRate() int        { return s.pcm.SampleRate }
func (s *pcmSource) Channels() int          { return s.pcm.Channels }

func (s *pcmSource) Close() error {
	s.closed.Store(true)
	return nil
}

// NoiseType selects a noise colour.
type NoiseType int

const (
	NoiseWhite NoiseType = iota
	NoisePink
	NoiseBrownian
)

func (t NoiseType) String() string {
	switch t {
	case NoiseWhite:
		return "white"
	case NoisePink:
		return "pink"
	case NoiseBrownian:
		return "brownian"
	default:
		return "unknown"
	}
}

// pinkState holds Paul Kellet's refined pink filter for one channel.
type pinkState struct {
	b0, b1, b2, b3, b4, b5, b6 float64
}

func (p *pinkState) next(white float64) float64 {
	p.b0 = 0.99886*p.b0 + white*0.0555179
	p.b1 = 0.99332*p.b1 + white*0.0750759
	p.b2 = 0.96900*p.b2 + white*0.1538520
	p.b3 = 0.86650*p.b3 + white*0.3104856
	p.b4 = 0.55000*p.b4 + white*0.5329522
	p.b5 = -0.7616*p.b5 - white*0.0168980
	out := p.b0 + p.b1 + p.b2 + p.b3 + p.b4 + p.b5 + p.b6 + white*0.5362
	p.b6 = white * 0.115926
	return out * 0.11
}

// noiseSource generates endless noise, one independent stream per channel.
type noiseSource struct {
	kind       NoiseType
	amplitude  float64
	seed       uint64
	sampleRate int
	channels   int

	pcg    *rand.PCG
	rng    *rand.Rand
	pink   []pinkState
	brown  []float64
	cursor uint64
}

func newNoiseSource(kind NoiseType, amplitude float64, seed int32, sampleRate, channels int) (*noiseSource, error) {
	if kind < NoiseWhite || kind > NoiseBrownian {
		return nil, fmt.Errorf("unknown noise type %d", kind)
	}
	s := &noiseSource{
		kind:       kind,
		amplitude:  amplitude,
		seed:       uint64(uint32(seed)),
		sampleRate: sampleRate,
		channels:   channels,
	}
	s.reset()
	return s, nil
}

// reset rewinds the generator to its seed without allocating.
func (s *noiseSource) reset() {
	if s.rng == nil {
		s.pcg = rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15)
		s.rng = rand.New(s.pcg)
		s.pink = make([]pinkState, s.channels)
		s.brown = make([]float64, s.channels)
		return
	}
	s.pcg.Seed(s.seed, s.seed^0x9e3779b97f4a7c15)
	clear(s.pink)
	clear(s.brown)
}

func (s *noiseSource) ReadFrames(dst []float32, frames int) (int, error) {
	n := min(frames, len(dst)/s.channels)
	for f := range n {
		for c := range s.channels {
			white := s.rng.Float64()*2 - 1
			var v float64
			switch s.kind {
			case NoisePink:
				v = s.pink[c].next(white)
			case NoiseBrownian:
				b := s.brown[c] + white*0.0625
				if b < -1 || b > 1 {
					b -= white * 0.0625
				}
				s.brown[c] = b
				v = b
			default:
				v = white
			}
			dst[f*s.channels+c] = float32(v * s.amplitude)
		}
	}
	s.cursor += uint64(n)
	return n, nil
}

// SeekToFrame restarts the sequence. Noise has no position to return to, so
// any seek replays from the seed.
func (s *noiseSource) SeekToFrame(frame uint64) error {
	s.reset()
	s.cursor = frame
	return nil
}

func (s *noiseSource) LengthInFrames() uint64 { return 0 }
func (s *noiseSource) SampleRate() int        { return s.sampleRate }
func (s *noiseSource) Channels() int          { return s.channels }
func (s *noiseSource) Close() error           { return nil }

// WaveformType selects a periodic waveform.
type WaveformType int

const (
	WaveSine WaveformType = iota
	WaveSquare
	WaveTriangle
	WaveSawtooth
)

func (t WaveformType) String() string {
	switch t {
	case WaveSine:
		return "sine"
	case WaveSquare:
		return "square"
	case WaveTriangle:
		return "triangle"
	case WaveSawtooth:
		return "sawtooth"
	default:
		return "unknown"
	}
}

// WaveformValue returns the waveform at phase (in cycles) with unit
// amplitude.
func WaveformValue(t WaveformType, phase float64) float64 {
	_, frac := math.Modf(phase)
	if frac < 0 {
		frac++
	}
	switch t {
	case WaveSquare:
		if frac < 0.5 {
			return 1
		}
		return -1
	case WaveTriangle:
		return 4*math.Abs(frac-0.5) - 1
	case WaveSawtooth:
		return 2*frac - 1
	default:
		return math.Sin(2 * math.Pi * frac)
	}
}

// waveformSource generates an endless periodic signal.
type waveformSource struct {
	kind       WaveformType
	amplitude  float64
	frequency  float64
	sampleRate int
	channels   int
	cursor     uint64
}

func newWaveformSource(kind WaveformType, amplitude, frequency float64, sampleRate, channels int) (*waveformSource, error) {
	if kind < WaveSine || kind > WaveSawtooth {
		return nil, fmt.Errorf("unknown waveform type %d", kind)
	}
	if frequency < 0 || math.IsNaN(frequency) {
		return nil, fmt.Errorf("waveform frequency must not be negative, got %v", frequency)
	}
	return &waveformSource{
		kind:       kind,
		amplitude:  amplitude,
		frequency:  frequency,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (s *waveformSource) ReadFrames(dst []float32, frames int) (int, error) {
	n := min(frames, len(dst)/s.channels)
	step := s.frequency / float64(s.sampleRate)
	for f := range n {
		v := float32(s.amplitude * WaveformValue(s.kind, float64(s.cursor+uint64(f))*step))
		for c := range s.channels {
			dst[f*s.channels+c] = v
		}
	}
	s.cursor += uint64(n)
	return n, nil
}

func (s *waveformSource) SeekToFrame(frame uint64) error {
	s.cursor = frame
	return nil
}

func (s *waveformSource) LengthInFrames() uint64 { return 0 }
func (s *waveformSource) SampleRate() int        { return s.sampleRate }
func (s *waveformSource) Channels() int          { return s.channels }
func (s *waveformSource) Close() error           { return nil }

// resampleBlockFrames is how many source frames a sound reads at a time.
const resampleBlockFrames = 256

// resampler turns a source into engine-layout frames at a variable rate
// using linear interpolation. Processing pass only.
type resampler struct {
	src   DataSource
	srcCh int
	dstCh int

	block    []float32
	blockN   int
	blockPos int

	a, b   []float32 // frames being interpolated between
	aPos   uint64    // source frame index of a
	bPos   uint64
	hasB   bool
	frac   float64
	primed bool
	done   bool
}

func newResampler(src DataSource, dstCh int) *resampler {
	ch := max(src.Channels(), 1)
	return &resampler{
		src:   src,
		srcCh: ch,
		dstCh: dstCh,
		block: make([]float32, resampleBlockFrames*ch),
		a:     make([]float32, ch),
		b:     make([]float32, ch),
	}
}

// seek repositions the source and drops buffered frames.
func (r *resampler) seek(frame uint64) error {
	err := r.src.SeekToFrame(frame)
	r.blockN, r.blockPos = 0, 0
	r.frac = 0
	r.primed = false
	r.done = false
	r.aPos = frame
	return err
}

// fetch reads the next source frame into dst. With loop set, an exhausted
// source is rewound once; wrapped reports that.
func (r *resampler) fetch(dst []float32, loop bool) (ok, wrapped bool) {
	for {
		if r.blockPos < r.blockN {
			copy(dst, r.block[r.blockPos*r.srcCh:(r.blockPos+1)*r.srcCh])
			r.blockPos++
			return true, wrapped
		}
		n, _ := r.src.ReadFrames(r.block, resampleBlockFrames)
		r.blockN, r.blockPos = n, 0
		if n > 0 {
			continue
		}
		if !loop || wrapped || r.src.SeekToFrame(0) != nil {
			return false, false
		}
		wrapped = true
	}
}

// read writes up to frames frames into out, advancing the source by step
// source frames per output frame. It returns the frames written; fewer than
// requested means the source ended.
func (r *resampler) read(out []float32, frames int, step float64, loop bool) int {
	if r.done {
		return 0
	}
	if !r.primed {
		ok, wrapped := r.fetch(r.a, loop)
		if !ok {
			r.done = true
			return 0
		}
		if wrapped {
			r.aPos = 0
		}
		r.primed = true
		r.loadB(loop)
	}

	for i := range frames {
		r.mix(out[i*r.dstCh:(i+1)*r.dstCh], float32(r.frac))
		r.frac += step
		for r.frac >= 1 {
			r.frac--
			if !r.hasB {
				r.done = true
				return i + 1
			}
			copy(r.a, r.b)
			r.aPos = r.bPos
			r.loadB(loop)
		}
	}
	return frames
}

func (r *resampler) loadB(loop bool) {
	ok, wrapped := r.fetch(r.b, loop)
	r.hasB = ok
	switch {
	case !ok:
	case wrapped:
		r.bPos = 0
	default:
		r.bPos = r.aPos + 1
	}
}

// mix interpolates between a and b at t and maps source channels onto the
// destination layout.
func (r *resampler) mix(dst []float32, t float32) {
	b := r.b
	if !r.hasB {
		b = r.a
	}
	at := func(c int) float32 {
		return r.a[c] + (b[c]-r.a[c])*t
	}
	switch {
	case r.srcCh == r.dstCh:
		for c := range dst {
			dst[c] = at(c)
		}
	case r.srcCh == 1:
		v := at(0)
		for c := range dst {
			dst[c] = v
		}
	case r.dstCh == 1:
		var sum float32
		for c := range r.srcCh {
			sum += at(c)
		}
		dst[0] = sum / float32(r.srcCh)
	default:
		for c := range dst {
			if c < r.srcCh {
				dst[c] = at(c)
			} else {
				dst[c] = 0
			}
		}
	}
}
