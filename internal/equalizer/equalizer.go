// Package equalizer provides biquad filters based on Robert Bristow-Johnson's
// audio EQ cookbook, running on interleaved float32 frames.
//
// Supported responses:
//
//   - Low-pass
//   - High-pass
//   - Band-pass (constant 0 dB peak)
//   - Peaking
//   - Low-shelf
//   - High-shelf
//
// A Filter keeps its delay state per pass and channel. Coefficients are
// published through an atomic pointer so a control goroutine can retune a
// filter while the audio goroutine runs it, without resetting its state.
package equalizer

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Kind selects the filter response.
type Kind int

const (
	Undefined Kind = iota
	LowPass
	HighPass
	BandPass
	Peaking
	LowShelf
	HighShelf
)

func (k Kind) String() string {
	switch k {
	case LowPass:
		return "lpf"
	case HighPass:
		return "hpf"
	case BandPass:
		return "bpf"
	case Peaking:
		return "peaking"
	case LowShelf:
		return "lowshelf"
	case HighShelf:
		return "highshelf"
	default:
		return "undefined"
	}
}

// Params describes a filter design. GainDB is used by Peaking and the
// shelves only.
type Params struct {
	Kind       Kind
	SampleRate float64
	Frequency  float64
	Q          float64
	GainDB     float64
}

// Coefficients are biquad coefficients normalized by a0.
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Neutral passes the signal through unchanged.
var Neutral = Coefficients{B0: 1}

// IsNeutral reports whether c is the identity filter.
func (c Coefficients) IsNeutral() bool {
	return c == Neutral
}

func normalize(a0, a1, a2, b0, b1, b2 float64) Coefficients {
	return Coefficients{
		B0: b0 / a0,
		B1: b1 / a0,
		B2: b2 / a0,
		A1: a1 / a0,
		A2: a2 / a0,
	}
}

// Design computes the coefficients for p. A frequency of zero or less, or
// at or above Nyquist, yields Neutral.
func Design(p Params) (Coefficients, error) {
	if p.SampleRate <= 0 {
		return Coefficients{}, fmt.Errorf("sample rate must be positive, got %v", p.SampleRate)
	}
	if p.Q <= 0 {
		return Coefficients{}, fmt.Errorf("q must be greater than 0, got %v", p.Q)
	}
	if p.Frequency <= 0 || p.Frequency >= p.SampleRate/2 {
		return Neutral, nil
	}

	w0 := 2 * math.Pi * p.Frequency / p.SampleRate
	cos, sin := math.Cos(w0), math.Sin(w0)
	alpha := sin / (2 * p.Q)

	switch p.Kind {
	case LowPass:
		return normalize(
			1+alpha, -2*cos, 1-alpha,
			(1-cos)/2, 1-cos, (1-cos)/2,
		), nil
	case HighPass:
		return normalize(
			1+alpha, -2*cos, 1-alpha,
			(1+cos)/2, -(1 + cos), (1+cos)/2,
		), nil
	case BandPass:
		return normalize(
			1+alpha, -2*cos, 1-alpha,
			alpha, 0, -alpha,
		), nil
	case Peaking:
		a := math.Pow(10, p.GainDB/40)
		return normalize(
			1+alpha/a, -2*cos, 1-alpha/a,
			1+alpha*a, -2*cos, 1-alpha*a,
		), nil
	case LowShelf:
		a := math.Pow(10, p.GainDB/40)
		beta := math.Sqrt(a) / p.Q
		return normalize(
			(a+1)+(a-1)*cos+beta*sin,
			-2*((a-1)+(a+1)*cos),
			(a+1)+(a-1)*cos-beta*sin,
			a*((a+1)-(a-1)*cos+beta*sin),
			2*a*((a-1)-(a+1)*cos),
			a*((a+1)-(a-1)*cos-beta*sin),
		), nil
	case HighShelf:
		a := math.Pow(10, p.GainDB/40)
		beta := math.Sqrt(a) / p.Q
		return normalize(
			(a+1)-(a-1)*cos+beta*sin,
			2*((a-1)-(a+1)*cos),
			(a+1)-(a-1)*cos-beta*sin,
			a*((a+1)+(a-1)*cos+beta*sin),
			-2*a*((a-1)+(a+1)*cos),
			a*((a+1)+(a-1)*cos-beta*sin),
		), nil
	default:
		return Coefficients{}, fmt.Errorf("unsupported filter kind %d", p.Kind)
	}
}

// section is the delay line of one pass on one channel.
type section struct {
	in1, in2   float64
	out1, out2 float64
}

// Filter runs a cascade of identical biquads over interleaved frames.
type Filter struct {
	channels int
	passes   int
	coeffs   atomic.Pointer[Coefficients]
	state    []section // passes * channels
}

// NewFilter returns a neutral filter for channels channels. An order-N
// filter cascades N/2 passes; order 2 is one pass.
func NewFilter(channels, order int) (*Filter, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	if order < 2 || order%2 != 0 {
		return nil, fmt.Errorf("filter order must be a positive even number, got %d", order)
	}
	f := &Filter{
		channels: channels,
		passes:   order / 2,
		state:    make([]section, order/2*channels),
	}
	f.coeffs.Store(&Neutral)
	return f, nil
}

// Channels returns the interleaved channel count.
func (f *Filter) Channels() int { return f.channels }

// Order returns the filter order.
func (f *Filter) Order() int { return f.passes * 2 }

// SetCoefficients publishes c. The delay state is kept.
func (f *Filter) SetCoefficients(c Coefficients) {
	f.coeffs.Store(&c)
}

// Coefficients returns the coefficients currently in use.
func (f *Filter) Coefficients() Coefficients {
	return *f.coeffs.Load()
}

// Reset clears the delay state. Not safe while Process runs.
func (f *Filter) Reset() {
	clear(f.state)
}

// Process filters frames interleaved frames of samples in place. It must only
// be called from one goroutine at a time.
func (f *Filter) Process(samples []float32, frames int) {
	c := f.coeffs.Load()
	if c.IsNeutral() {
		return
	}
	n := min(frames*f.channels, len(samples))
	for p := range f.passes {
		st := f.state[p*f.channels : (p+1)*f.channels]
		for i := 0; i < n; i++ {
			s := &st[i%f.channels]
			in := float64(samples[i])
			out := c.B0*in + c.B1*s.in1 + c.B2*s.in2 - c.A1*s.out1 - c.A2*s.out2
			s.in2, s.in1 = s.in1, in
			s.out2, s.out1 = s.out1, out
			samples[i] = float32(out)
		}
	}
}
