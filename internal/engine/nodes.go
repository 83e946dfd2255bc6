package engine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/equalizer"
	"github.com/tphakala/audiobridge/internal/errors"
)

// Filter defaults.
const (
	DefaultFilterQ     = 0.707
	DefaultFilterOrder = 2
	MaxFilterOrder     = 8

	DefaultDelaySeconds = 0.5
	DefaultDelayDecay   = 0.5
	MaxDelaySeconds     = 10

	DefaultSplitterOutputs = 2
)

// FilterParams configures a biquad node. GainDB only matters for peaking and
// shelf filters. A Frequency of zero passes audio through unchanged.
type FilterParams struct {
	Frequency float64
	Q         float64
	GainDB    float64
	Order     int
}

// DefaultFilterParams returns the initial parameters of a filter kind.
func DefaultFilterParams(kind equalizer.Kind) FilterParams {
	switch kind {
	case equalizer.Peaking:
		return FilterParams{Frequency: 1000, Q: 1, Order: DefaultFilterOrder}
	case equalizer.LowShelf:
		return FilterParams{Frequency: 200, Q: 1, Order: DefaultFilterOrder}
	case equalizer.HighShelf:
		return FilterParams{Frequency: 4000, Q: 1, Order: DefaultFilterOrder}
	default:
		return FilterParams{Frequency: 0, Q: DefaultFilterQ, Order: DefaultFilterOrder}
	}
}

// FilterNode is a biquad filter with one input and one output bus.
type FilterNode struct {
	b          *base
	kind       equalizer.Kind
	sampleRate float64

	mu     sync.Mutex
	params FilterParams
	filter atomic.Pointer[equalizer.Filter]
}

// NewLPF returns a low-pass node, neutral until a cutoff is set.
func (e *Engine) NewLPF() (*FilterNode, error) { return e.NewFilterNode(equalizer.LowPass, nil) }

// NewHPF returns a high-pass node, neutral until a cutoff is set.
func (e *Engine) NewHPF() (*FilterNode, error) { return e.NewFilterNode(equalizer.HighPass, nil) }

// NewBPF returns a band-pass node, neutral until a cutoff is set.
func (e *Engine) NewBPF() (*FilterNode, error) { return e.NewFilterNode(equalizer.BandPass, nil) }

// NewPeakingEQ returns a peaking node at 1000 Hz, Q 1, 0 dB.
func (e *Engine) NewPeakingEQ() (*FilterNode, error) { return e.NewFilterNode(equalizer.Peaking, nil) }

// NewLowShelf returns a low-shelf node at 200 Hz, Q 1, 0 dB.
func (e *Engine) NewLowShelf() (*FilterNode, error) { return e.NewFilterNode(equalizer.LowShelf, nil) }

// NewHighShelf returns a high-shelf node at 4000 Hz, Q 1, 0 dB.
func (e *Engine) NewHighShelf() (*FilterNode, error) {
	return e.NewFilterNode(equalizer.HighShelf, nil)
}

// NewFilterNode returns a filter of kind, using p or the kind's defaults when
// p is nil. The node is attached to nothing.
func (e *Engine) NewFilterNode(kind equalizer.Kind, p *FilterParams) (*FilterNode, error) {
	if !e.Initialized() {
		return nil, notInitialized("init_filter_node")
	}
	params := DefaultFilterParams(kind)
	if p != nil {
		params = *p
	}

	f := &FilterNode{kind: kind, sampleRate: float64(e.sampleRate)}
	filt, err := f.build(params, e.channels)
	if err != nil {
		return nil, err
	}
	f.params = params
	f.filter.Store(filt)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() {
		return nil, notInitialized("init_filter_node")
	}
	f.b = e.newBaseLocked(kind.String(), f, f, 1, 1)
	return f, nil
}

// build designs a fresh filter for p.
func (f *FilterNode) build(p FilterParams, channels int) (*equalizer.Filter, error) {
	if p.Order == 0 {
		p.Order = DefaultFilterOrder
	}
	if p.Order > MaxFilterOrder {
		return nil, invalidParam(fmt.Errorf("filter order %d above %d", p.Order, MaxFilterOrder), "init_filter_node")
	}
	c, err := equalizer.Design(equalizer.Params{
		Kind:       f.kind,
		SampleRate: f.sampleRate,
		Frequency:  p.Frequency,
		Q:          p.Q,
		GainDB:     p.GainDB,
	})
	if err != nil {
		return nil, invalidParam(err, "init_filter_node")
	}
	filt, err := equalizer.NewFilter(channels, p.Order)
	if err != nil {
		return nil, invalidParam(err, "init_filter_node")
	}
	filt.SetCoefficients(c)
	return filt, nil
}

// Reinit applies new parameters. Coefficients are swapped in place and the
// filter keeps its state and edges; an order change rebuilds the filter.
func (f *FilterNode) Reinit(p FilterParams) error {
	b := f.graphNode()
	if b == nil || b.closed.Load() {
		return graphError(ErrNodeClosed, "reinit_filter_node")
	}
	if p.Order == 0 {
		p.Order = DefaultFilterOrder
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.filter.Load()
	if p.Order != cur.Order() {
		filt, err := f.build(p, b.channels)
		if err != nil {
			return err
		}
		f.filter.Store(filt)
		f.params = p
		return nil
	}

	c, err := equalizer.Design(equalizer.Params{
		Kind:       f.kind,
		SampleRate: f.sampleRate,
		Frequency:  p.Frequency,
		Q:          p.Q,
		GainDB:     p.GainDB,
	})
	if err != nil {
		return invalidParam(err, "reinit_filter_node")
	}
	cur.SetCoefficients(c)
	f.params = p
	return nil
}

// SetCutoff changes the frequency and keeps the other parameters.
func (f *FilterNode) SetCutoff(hz float64) error {
	p := f.Params()
	p.Frequency = hz
	return f.Reinit(p)
}

// SetParams changes gain, Q and frequency and keeps the order.
func (f *FilterNode) SetParams(gainDB, q, hz float64) error {
	p := f.Params()
	p.GainDB, p.Q, p.Frequency = gainDB, q, hz
	return f.Reinit(p)
}

// Params returns the current parameters.
func (f *FilterNode) Params() FilterParams {
	if f == nil {
		return FilterParams{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// Kind returns the filter response.
func (f *FilterNode) Kind() equalizer.Kind {
	if f == nil {
		return equalizer.Undefined
	}
	return f.kind
}

func (f *FilterNode) process(in, out [][]float32, frames int) {
	n := frames * f.b.channels
	copy(out[0][:n], in[0][:n])
	f.filter.Load().Process(out[0][:n], frames)
}

func (f *FilterNode) graphNode() *base {
	if f == nil {
		return nil
	}
	return f.b
}

func (f *FilterNode) ID() string          { return f.graphNode().nodeID() }
func (f *FilterNode) InputBusCount() int  { return f.graphNode().inputCount() }
func (f *FilterNode) OutputBusCount() int { return f.graphNode().outputCount() }
func (f *FilterNode) Start()              { f.graphNode().setStarted(true) }
func (f *FilterNode) Stop()               { f.graphNode().setStarted(false) }
func (f *FilterNode) IsStarted() bool     { return f.graphNode().isStarted() }

// Close detaches and destroys the node.
func (f *FilterNode) Close() error { return f.graphNode().close() }

// delayLine is replaced whole when the delay time changes.
type delayLine struct {
	buf    []float32
	frames int
	cursor int
}

// DelayNode is a feedback echo: out = dry*in + wet*delayed, and the line
// stores in + decay*delayed.
type DelayNode struct {
	b          *base
	sampleRate int

	line    atomic.Pointer[delayLine]
	seconds atomic.Uint64 // float64 bits
	wet     atomic.Uint32 // float32 bits
	dry     atomic.Uint32
	decay   atomic.Uint32
}

// NewDelay returns a 0.5 s delay with decay 0.5, wet 1 and dry 1.
func (e *Engine) NewDelay() (*DelayNode, error) {
	if !e.Initialized() {
		return nil, notInitialized("init_delay_node")
	}
	d := &DelayNode{sampleRate: e.sampleRate}
	d.wet.Store(math.Float32bits(1))
	d.dry.Store(math.Float32bits(1))
	d.decay.Store(math.Float32bits(DefaultDelayDecay))

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() {
		return nil, notInitialized("init_delay_node")
	}
	d.b = e.newBaseLocked("delay", d, d, 1, 1)
	d.line.Store(newDelayLine(DefaultDelaySeconds, d.sampleRate, d.b.channels))
	d.seconds.Store(math.Float64bits(DefaultDelaySeconds))
	return d, nil
}

func newDelayLine(seconds float64, sampleRate, channels int) *delayLine {
	frames := max(int(seconds*float64(sampleRate)), 1)
	return &delayLine{buf: make([]float32, frames*channels), frames: frames}
}

// SetDelay rebuilds the delay line for a new delay time. Echoes in flight
// are dropped.
func (d *DelayNode) SetDelay(seconds float64) error {
	b := d.graphNode()
	if b == nil || b.closed.Load() {
		return graphError(ErrNodeClosed, "set_delay")
	}
	if seconds <= 0 || seconds > MaxDelaySeconds || math.IsNaN(seconds) {
		return invalidParam(fmt.Errorf("delay %v s outside (0, %d]", seconds, MaxDelaySeconds), "set_delay")
	}
	d.line.Store(newDelayLine(seconds, d.sampleRate, b.channels))
	d.seconds.Store(math.Float64bits(seconds))
	return nil
}

// Delay returns the delay time in seconds.
func (d *DelayNode) Delay() float64 {
	if d == nil {
		return 0
	}
	return math.Float64frombits(d.seconds.Load())
}

// SetWet sets the gain of the delayed signal.
func (d *DelayNode) SetWet(v float32) {
	if d != nil {
		d.wet.Store(math.Float32bits(v))
	}
}

// SetDry sets the gain of the input passed straight through.
func (d *DelayNode) SetDry(v float32) {
	if d != nil {
		d.dry.Store(math.Float32bits(v))
	}
}

// SetDecay sets the feedback gain, clamped to [0, 1).
func (d *DelayNode) SetDecay(v float32) {
	if d == nil {
		return
	}
	d.decay.Store(math.Float32bits(min(max(v, 0), 0.999)))
}

// Wet returns the delayed signal gain.
func (d *DelayNode) Wet() float32 {
	if d == nil {
		return 0
	}
	return math.Float32frombits(d.wet.Load())
}

// Dry returns the pass-through gain.
func (d *DelayNode) Dry() float32 {
	if d == nil {
		return 0
	}
	return math.Float32frombits(d.dry.Load())
}

// Decay returns the feedback gain.
func (d *DelayNode) Decay() float32 {
	if d == nil {
		return 0
	}
	return math.Float32frombits(d.decay.Load())
}

func (d *DelayNode) process(in, out [][]float32, frames int) {
	line := d.line.Load()
	wet := math.Float32frombits(d.wet.Load())
	dry := math.Float32frombits(d.dry.Load())
	decay := math.Float32frombits(d.decay.Load())
	ch := d.b.channels

	src, dst := in[0], out[0]
	for f := range frames {
		at := line.cursor * ch
		for c := range ch {
			x := src[f*ch+c]
			delayed := line.buf[at+c]
			dst[f*ch+c] = dry*x + wet*delayed
			line.buf[at+c] = x + decay*delayed
		}
		line.cursor++
		if line.cursor == line.frames {
			line.cursor = 0
		}
	}
}

func (d *DelayNode) graphNode() *base {
	if d == nil {
		return nil
	}
	return d.b
}

func (d *DelayNode) ID() string          { return d.graphNode().nodeID() }
func (d *DelayNode) InputBusCount() int  { return d.graphNode().inputCount() }
func (d *DelayNode) OutputBusCount() int { return d.graphNode().outputCount() }
func (d *DelayNode) Start()              { d.graphNode().setStarted(true) }
func (d *DelayNode) Stop()               { d.graphNode().setStarted(false) }
func (d *DelayNode) IsStarted() bool     { return d.graphNode().isStarted() }

// Close detaches and destroys the node.
func (d *DelayNode) Close() error { return d.graphNode().close() }

// SplitterNode copies its input to every output bus, each with its own gain.
type SplitterNode struct {
	b       *base
	volumes []atomic.Uint32 // float32 bits
}

// NewSplitter returns a two-way splitter.
func (e *Engine) NewSplitter() (*SplitterNode, error) {
	return e.NewSplitterN(DefaultSplitterOutputs)
}

// NewSplitterN returns a splitter with outputs output buses at volume 1.
func (e *Engine) NewSplitterN(outputs int) (*SplitterNode, error) {
	if !e.Initialized() {
		return nil, notInitialized("init_splitter_node")
	}
	if outputs < 1 || outputs > 32 {
		return nil, invalidParam(fmt.Errorf("splitter needs 1..32 outputs, got %d", outputs), "init_splitter_node")
	}
	s := &SplitterNode{volumes: make([]atomic.Uint32, outputs)}
	for i := range s.volumes {
		s.volumes[i].Store(math.Float32bits(1))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() {
		return nil, notInitialized("init_splitter_node")
	}
	s.b = e.newBaseLocked("splitter", s, s, 1, outputs)
	return s, nil
}

// SetOutputVolume sets the gain of one output bus.
func (s *SplitterNode) SetOutputVolume(bus int, v float32) error {
	if s == nil {
		return graphError(ErrNodeClosed, "set_output_volume")
	}
	if bus < 0 || bus >= len(s.volumes) {
		return graphError(fmt.Errorf("%w: splitter has %d outputs, got %d", ErrInvalidBus, len(s.volumes), bus), "set_output_volume")
	}
	s.volumes[bus].Store(math.Float32bits(clampVolume(v)))
	return nil
}

// OutputVolume returns the gain of one output bus, 0 for an invalid bus.
func (s *SplitterNode) OutputVolume(bus int) float32 {
	if s == nil || bus < 0 || bus >= len(s.volumes) {
		return 0
	}
	return math.Float32frombits(s.volumes[bus].Load())
}

func (s *SplitterNode) process(in, out [][]float32, frames int) {
	n := frames * s.b.channels
	src := in[0][:n]
	for k, o := range out {
		g := math.Float32frombits(s.volumes[k].Load())
		for i, v := range src {
			o[i] = v * g
		}
	}
}

func (s *SplitterNode) graphNode() *base {
	if s == nil {
		return nil
	}
	return s.b
}

func (s *SplitterNode) ID() string          { return s.graphNode().nodeID() }
func (s *SplitterNode) InputBusCount() int  { return s.graphNode().inputCount() }
func (s *SplitterNode) OutputBusCount() int { return s.graphNode().outputCount() }
func (s *SplitterNode) Start()              { s.graphNode().setStarted(true) }
func (s *SplitterNode) Stop()               { s.graphNode().setStarted(false) }
func (s *SplitterNode) IsStarted() bool     { return s.graphNode().isStarted() }

// Close detaches and destroys the node.
func (s *SplitterNode) Close() error { return s.graphNode().close() }

func invalidParam(err error, op string) error {
	return errors.New(fmt.Errorf("%w: %w", ErrInvalidParam, err)).
		Component("engine").
		Category(errors.CategoryValidation).
		Context("operation", op).
		Build()
}
