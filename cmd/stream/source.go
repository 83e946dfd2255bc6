package stream

import (
	"math"

	"github.com/tphakala/audiobridge/internal/engine"
)

// producer fills interleaved int16 frames. Read returns the samples written;
// zero means the producer is exhausted.
type producer interface {
	Read(dst []int16) int
}

type toneProducer struct {
	kind      engine.WaveformType
	amplitude float64
	step      float64 // cycles per frame
	channels  int
	frame     uint64
}

func newToneProducer(kind engine.WaveformType, hz, amplitude float64, sampleRate, channels int) *toneProducer {
	return &toneProducer{
		kind:      kind,
		amplitude: amplitude,
		step:      hz / float64(sampleRate),
		channels:  channels,
	}
}

func (p *toneProducer) Read(dst []int16) int {
	frames := len(dst) / p.channels
	for f := range frames {
		v := toInt16(float32(p.amplitude * engine.WaveformValue(p.kind, float64(p.frame)*p.step)))
		for c := range p.channels {
			dst[f*p.channels+c] = v
		}
		p.frame++
	}
	return frames * p.channels
}

// pcmProducer plays decoded PCM once. Channels are mapped by index modulo
// the source channel count, so mono fans out and extra channels are dropped.
type pcmProducer struct {
	pcm      *engine.PCM
	channels int
	frame    int
}

func newPCMProducer(pcm *engine.PCM, channels int) *pcmProducer {
	return &pcmProducer{pcm: pcm, channels: channels}
}

func (p *pcmProducer) Read(dst []int16) int {
	total := int(p.pcm.Frames())
	frames := min(len(dst)/p.channels, total-p.frame)
	src := p.pcm.Channels
	for f := range frames {
		base := (p.frame + f) * src
		for c := range p.channels {
			dst[f*p.channels+c] = toInt16(p.pcm.Samples[base+c%src])
		}
	}
	p.frame += frames
	return frames * p.channels
}

func toInt16(v float32) int16 {
	s := math.Round(float64(v) * math.MaxInt16)
	return int16(max(math.MinInt16, min(math.MaxInt16, s)))
}
