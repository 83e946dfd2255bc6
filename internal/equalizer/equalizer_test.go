package equalizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq, sampleRate float64, frames, channels int) []float32 {
	out := make([]float32, frames*channels)
	for i := range frames {
		v := float32(math.Sin(2 * math.Pi * freq * float64(i) / sampleRate))
		for c := range channels {
			out[i*channels+c] = v
		}
	}
	return out
}

func rms(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func mustFilter(t *testing.T, channels, order int, p Params) *Filter {
	t.Helper()
	f, err := NewFilter(channels, order)
	require.NoError(t, err)
	c, err := Design(p)
	require.NoError(t, err)
	f.SetCoefficients(c)
	return f
}

func TestDesignNeutralCutoff(t *testing.T) {
	t.Parallel()
	for _, freq := range []float64{0, -10, 24000, 30000} {
		c, err := Design(Params{Kind: LowPass, SampleRate: 48000, Frequency: freq, Q: 0.707})
		require.NoError(t, err)
		assert.True(t, c.IsNeutral(), "frequency %v", freq)
	}
}

func TestDesignRejectsBadParams(t *testing.T) {
	t.Parallel()
	_, err := Design(Params{Kind: LowPass, SampleRate: 0, Frequency: 100, Q: 1})
	require.Error(t, err)
	_, err = Design(Params{Kind: LowPass, SampleRate: 48000, Frequency: 100, Q: 0})
	require.Error(t, err)
	_, err = Design(Params{Kind: Undefined, SampleRate: 48000, Frequency: 100, Q: 1})
	require.Error(t, err)
}

func TestNewFilterValidation(t *testing.T) {
	t.Parallel()
	_, err := NewFilter(0, 2)
	require.Error(t, err)
	_, err = NewFilter(2, 3)
	require.Error(t, err)

	f, err := NewFilter(2, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Order())
	assert.True(t, f.Coefficients().IsNeutral())
}

func TestNeutralFilterIsExactPassthrough(t *testing.T) {
	t.Parallel()
	f, err := NewFilter(2, 2)
	require.NoError(t, err)
	in := sine(440, 48000, 256, 2)
	out := append([]float32(nil), in...)
	f.Process(out, 256)
	assert.Equal(t, in, out)
}

func TestLowPassPassesDC(t *testing.T) {
	t.Parallel()
	f := mustFilter(t, 1, 2, Params{Kind: LowPass, SampleRate: 48000, Frequency: 1000, Q: 0.707})
	in := make([]float32, 1000)
	for i := range in {
		in[i] = 0.5
	}
	f.Process(in, len(in))
	for i := 900; i < 1000; i++ {
		assert.InDelta(t, 0.5, in[i], 0.01, "sample %d", i)
	}
}

func TestHighPassBlocksDC(t *testing.T) {
	t.Parallel()
	f := mustFilter(t, 1, 2, Params{Kind: HighPass, SampleRate: 48000, Frequency: 1000, Q: 0.707})
	in := make([]float32, 2000)
	for i := range in {
		in[i] = 0.5
	}
	f.Process(in, len(in))
	assert.InDelta(t, 0, in[len(in)-1], 0.01)
}

func TestLowPassAttenuatesHighFrequency(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		order int
	}{
		{"order 2", 2},
		{"order 4", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := mustFilter(t, 2, tt.order, Params{Kind: LowPass, SampleRate: 48000, Frequency: 500, Q: 0.707})
			in := sine(8000, 48000, 4800, 2)
			before := rms(in)
			f.Process(in, 4800)
			assert.Less(t, rms(in[2000:]), before*0.1)
		})
	}
}

func TestZeroGainPeakingIsTransparent(t *testing.T) {
	t.Parallel()
	f := mustFilter(t, 1, 2, Params{Kind: Peaking, SampleRate: 48000, Frequency: 1000, Q: 1, GainDB: 0})
	in := sine(1000, 48000, 512, 1)
	out := append([]float32(nil), in...)
	f.Process(out, 512)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-5)
	}
}

func TestShelvesBoostTheirBand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		kind      Kind
		toneHz    float64
		wantBoost bool
	}{
		{"low shelf boosts bass", LowShelf, 50, true},
		{"low shelf leaves treble", LowShelf, 10000, false},
		{"high shelf boosts treble", HighShelf, 12000, true},
		{"high shelf leaves bass", HighShelf, 50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			freq := 200.0
			if tt.kind == HighShelf {
				freq = 4000
			}
			f := mustFilter(t, 1, 2, Params{Kind: tt.kind, SampleRate: 48000, Frequency: freq, Q: 1, GainDB: 12})
			in := sine(tt.toneHz, 48000, 48000, 1)
			before := rms(in[24000:])
			f.Process(in, 48000)
			ratio := rms(in[24000:]) / before
			if tt.wantBoost {
				assert.Greater(t, ratio, 3.0)
			} else {
				assert.InDelta(t, 1.0, ratio, 0.2)
			}
		})
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	t.Parallel()
	f := mustFilter(t, 2, 2, Params{Kind: LowPass, SampleRate: 48000, Frequency: 1000, Q: 0.707})
	in := make([]float32, 2*500)
	for i := 0; i < len(in); i += 2 {
		in[i] = 1
	}
	f.Process(in, 500)
	for i := 1; i < len(in); i += 2 {
		require.Zero(t, in[i], "right channel must stay silent")
	}
}

func TestRetuneKeepsState(t *testing.T) {
	t.Parallel()
	f := mustFilter(t, 1, 2, Params{Kind: LowPass, SampleRate: 48000, Frequency: 1000, Q: 0.707})
	dc := make([]float32, 1000)
	for i := range dc {
		dc[i] = 1
	}
	f.Process(dc, len(dc))

	c, err := Design(Params{Kind: LowPass, SampleRate: 48000, Frequency: 2000, Q: 0.707})
	require.NoError(t, err)
	f.SetCoefficients(c)

	// A settled DC state stays settled across a retune; a reset one would
	// restart from zero.
	next := []float32{1}
	f.Process(next, 1)
	assert.InDelta(t, 1, next[0], 0.01)
	assert.Equal(t, c, f.Coefficients())
}
