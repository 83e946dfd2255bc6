package engine

import (
	"math"
	"sync/atomic"
)

// Group mixes its members and applies volume, balance and pitch to all of
// them. A stopped group outputs silence and does not advance its members.
// Groups do not own their parent; keep parents alive while children exist.
type Group struct {
	b      *base
	parent *Group

	volume atomic.Uint32 // float32 bits
	pan    atomic.Uint32
	pitch  atomic.Uint32
}

// NewGroup returns a started group attached to parent, or to the endpoint
// when parent is nil.
func (e *Engine) NewGroup(parent *Group) (*Group, error) {
	if !e.Initialized() {
		return nil, notInitialized("init_group")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() {
		return nil, notInitialized("init_group")
	}

	dst := e.endpoint.Load().b
	if parent != nil {
		p, err := e.liveNodeLocked(parent, "init_group")
		if err != nil {
			return nil, err
		}
		dst = p
	}

	g := &Group{parent: parent}
	g.volume.Store(math.Float32bits(1))
	g.pitch.Store(math.Float32bits(1))
	g.b = e.newBaseLocked("group", g, g, 1, 1)
	if err := e.attachLocked(g.b, 0, dst, 0); err != nil {
		delete(e.nodes, g.b)
		return nil, err
	}
	return g, nil
}

func (g *Group) process(in, out [][]float32, frames int) {
	ch := g.b.channels
	n := frames * ch
	vol := math.Float32frombits(g.volume.Load())
	pan := math.Float32frombits(g.pan.Load())
	src, dst := in[0][:n], out[0][:n]
	for i, v := range src {
		dst[i] = v * vol
	}
	if ch == 2 && pan != 0 {
		for f := range frames {
			applyBalance(dst[f*2:f*2+2], pan)
		}
	}
}

func (g *Group) live() bool {
	return g != nil && g.b != nil && !g.b.closed.Load()
}

// Start resumes the group.
func (g *Group) Start() { g.graphNode().setStarted(true) }

// Stop silences the group and pauses its members.
func (g *Group) Stop() { g.graphNode().setStarted(false) }

// IsStarted reports whether the group is producing output.
func (g *Group) IsStarted() bool { return g.graphNode().isStarted() }

// SetVolume sets the group gain; negative values are treated as zero.
func (g *Group) SetVolume(v float32) {
	if g.live() {
		g.volume.Store(math.Float32bits(clampVolume(v)))
	}
}

// Volume returns the group gain.
func (g *Group) Volume() float32 {
	if g == nil {
		return 0
	}
	return math.Float32frombits(g.volume.Load())
}

// SetPan sets the stereo balance in [-1, 1].
func (g *Group) SetPan(p float32) {
	if g.live() {
		g.pan.Store(math.Float32bits(clampPan(p)))
	}
}

// Pan returns the group stereo balance.
func (g *Group) Pan() float32 {
	if g == nil {
		return 0
	}
	return math.Float32frombits(g.pan.Load())
}

// SetPitch multiplies into the pitch of every sound below the group. Values
// not above zero are ignored.
func (g *Group) SetPitch(p float32) {
	if g.live() && p > 0 && !math.IsInf(float64(p), 0) {
		g.pitch.Store(math.Float32bits(p))
	}
}

// Pitch returns the group pitch multiplier.
func (g *Group) Pitch() float32 {
	if g == nil {
		return 0
	}
	return math.Float32frombits(g.pitch.Load())
}

// Parent returns the parent group, nil when attached to the endpoint.
func (g *Group) Parent() *Group {
	if g == nil {
		return nil
	}
	return g.parent
}

func (g *Group) graphNode() *base {
	if g == nil {
		return nil
	}
	return g.b
}

func (g *Group) ID() string          { return g.graphNode().nodeID() }
func (g *Group) InputBusCount() int  { return g.graphNode().inputCount() }
func (g *Group) OutputBusCount() int { return g.graphNode().outputCount() }

// Close detaches the group. Members stay alive but play into nothing.
func (g *Group) Close() error { return g.graphNode().close() }
