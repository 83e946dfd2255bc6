package engine

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tphakala/audiobridge/internal/logger"
)

// Node is anything that can be wired into an engine graph.
type Node interface {
	ID() string
	InputBusCount() int
	OutputBusCount() int
	graphNode() *base
}

// processor renders one chunk. in and out hold one interleaved buffer per
// bus, sized for the chunk.
type processor interface {
	process(in, out [][]float32, frames int)
}

// edge is one attached output bus as seen from the input it feeds.
type edge struct {
	src *base
	bus int
}

// link is the control-plane record of where an output bus goes.
type link struct {
	dst *base
	bus int
}

// base is the graph state every node shares.
type base struct {
	e        *Engine
	id       string
	kind     string
	owner    Node
	proc     processor
	channels int

	// inputs is read by the processing pass; writers swap whole slices.
	inputs  []atomic.Pointer[[]edge]
	outputs []link // guarded by e.mu

	started atomic.Bool
	closed  atomic.Bool
	onClose func()

	// Processing-pass state.
	lastPass uint64
	in       [][]float32
	out      [][]float32
}

// newBaseLocked registers a node with inputs input buses and outputs
// attachable output buses. Nodes start in the started state.
func (e *Engine) newBaseLocked(kind string, owner Node, proc processor, inputs, outputs int) *base {
	chunk := e.cfg.PeriodFrames * e.channels
	b := &base{
		e:        e,
		id:       uuid.NewString(),
		kind:     kind,
		owner:    owner,
		proc:     proc,
		channels: e.channels,
		inputs:   make([]atomic.Pointer[[]edge], inputs),
		outputs:  make([]link, outputs),
		in:       make([][]float32, inputs),
		out:      make([][]float32, max(outputs, 1)),
	}
	for i := range b.inputs {
		b.inputs[i].Store(&[]edge{})
		b.in[i] = make([]float32, chunk)
	}
	for i := range b.out {
		b.out[i] = make([]float32, chunk)
	}
	b.started.Store(true)
	e.nodes[b] = struct{}{}
	return b
}

// pull renders the node for pass, once per pass however many consumers it
// has. Stopped or closed nodes output silence without touching their inputs.
func (b *base) pull(pass uint64, frames int) {
	if b.lastPass == pass {
		return
	}
	b.lastPass = pass
	n := frames * b.channels

	if !b.started.Load() || b.closed.Load() {
		for _, o := range b.out {
			clear(o[:n])
		}
		return
	}

	for i := range b.inputs {
		buf := b.in[i][:n]
		clear(buf)
		for _, ed := range *b.inputs[i].Load() {
			ed.src.pull(pass, frames)
			for j, v := range ed.src.out[ed.bus][:n] {
				buf[j] += v
			}
		}
	}
	b.proc.process(b.in, b.out, frames)
}

func (b *base) nodeID() string {
	if b == nil {
		return ""
	}
	return b.id
}

func (b *base) inputCount() int {
	if b == nil {
		return 0
	}
	return len(b.inputs)
}

func (b *base) outputCount() int {
	if b == nil {
		return 0
	}
	return len(b.outputs)
}

func (b *base) setStarted(on bool) {
	if b == nil || b.closed.Load() {
		return
	}
	b.started.Store(on)
}

func (b *base) isStarted() bool {
	return b != nil && !b.closed.Load() && b.started.Load()
}

func (b *base) close() error {
	if b == nil {
		return nil
	}
	b.e.mu.Lock()
	defer b.e.mu.Unlock()
	b.e.destroyLocked(b)
	return nil
}

// destroyLocked detaches every edge touching b, unregisters it and runs its
// close hook once no pass can reach it.
func (e *Engine) destroyLocked(b *base) {
	if b.closed.Swap(true) {
		return
	}
	for bus := range b.outputs {
		e.detachLocked(b, bus)
	}
	for bus := range b.inputs {
		for _, ed := range *b.inputs[bus].Load() {
			ed.src.outputs[ed.bus] = link{}
		}
		b.inputs[bus].Store(&[]edge{})
	}
	delete(e.nodes, b)
	e.quiesce()
	if b.onClose != nil {
		b.onClose()
	}
	e.log.Debug("node destroyed", logger.String("node", b.kind), logger.String("node_id", b.id))
}

func (e *Engine) detachLocked(src *base, outBus int) {
	l := src.outputs[outBus]
	if l.dst == nil {
		return
	}
	old := *l.dst.inputs[l.bus].Load()
	next := make([]edge, 0, len(old))
	for _, ed := range old {
		if ed.src != src || ed.bus != outBus {
			next = append(next, ed)
		}
	}
	l.dst.inputs[l.bus].Store(&next)
	src.outputs[outBus] = link{}
}

func (e *Engine) attachLocked(src *base, outBus int, dst *base, inBus int) error {
	if src == dst || reaches(dst, src) {
		return graphError(fmt.Errorf("%w: %s -> %s", ErrCycle, src.kind, dst.kind), "attach_output_bus")
	}
	if l := src.outputs[outBus]; l.dst == dst && l.bus == inBus {
		return nil
	}
	e.detachLocked(src, outBus)
	next := append(slices.Clone(*dst.inputs[inBus].Load()), edge{src: src, bus: outBus})
	dst.inputs[inBus].Store(&next)
	src.outputs[outBus] = link{dst: dst, bus: inBus}
	return nil
}

// reaches reports whether to is downstream of from.
func reaches(from, to *base) bool {
	if from == to {
		return true
	}
	for _, l := range from.outputs {
		if l.dst != nil && reaches(l.dst, to) {
			return true
		}
	}
	return false
}

// liveNodeLocked resolves n to a live node of this engine.
func (e *Engine) liveNodeLocked(n Node, op string) (*base, error) {
	if n == nil {
		return nil, graphError(fmt.Errorf("%w: nil node", ErrNodeClosed), op)
	}
	b := n.graphNode()
	switch {
	case b == nil || b.closed.Load():
		return nil, graphError(ErrNodeClosed, op)
	case b.e != e:
		return nil, graphError(ErrForeignNode, op)
	}
	return b, nil
}

// AttachOutputBus routes src's output bus outBus into dst's input bus inBus.
// An output bus feeds one input at a time, so an attached bus is moved.
// Attachments that would close a loop are rejected.
func (e *Engine) AttachOutputBus(src Node, outBus int, dst Node, inBus int) error {
	if !e.Initialized() {
		return notInitialized("attach_output_bus")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.liveNodeLocked(src, "attach_output_bus")
	if err != nil {
		return err
	}
	d, err := e.liveNodeLocked(dst, "attach_output_bus")
	if err != nil {
		return err
	}
	if outBus < 0 || outBus >= len(s.outputs) {
		return graphError(fmt.Errorf("%w: %s has %d output buses, got %d", ErrInvalidBus, s.kind, len(s.outputs), outBus), "attach_output_bus")
	}
	if inBus < 0 || inBus >= len(d.inputs) {
		return graphError(fmt.Errorf("%w: %s has %d input buses, got %d", ErrInvalidBus, d.kind, len(d.inputs), inBus), "attach_output_bus")
	}
	if err := e.attachLocked(s, outBus, d, inBus); err != nil {
		return err
	}
	e.log.Debug("output bus attached",
		logger.String("src", s.kind), logger.Int("out_bus", outBus),
		logger.String("dst", d.kind), logger.Int("in_bus", inBus))
	return nil
}

// DetachOutputBus disconnects one output bus. Detaching an unattached bus is
// a no-op.
func (e *Engine) DetachOutputBus(n Node, outBus int) error {
	if !e.Initialized() {
		return notInitialized("detach_output_bus")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.liveNodeLocked(n, "detach_output_bus")
	if err != nil {
		return err
	}
	if outBus < 0 || outBus >= len(b.outputs) {
		return graphError(fmt.Errorf("%w: %s has %d output buses, got %d", ErrInvalidBus, b.kind, len(b.outputs), outBus), "detach_output_bus")
	}
	e.detachLocked(b, outBus)
	return nil
}

// DetachAllOutputBuses disconnects every output bus of n.
func (e *Engine) DetachAllOutputBuses(n Node) error {
	if !e.Initialized() {
		return notInitialized("detach_output_bus")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.liveNodeLocked(n, "detach_output_bus")
	if err != nil {
		return err
	}
	for bus := range b.outputs {
		e.detachLocked(b, bus)
	}
	return nil
}

// OutputBusTarget reports where an output bus is attached.
func (e *Engine) OutputBusTarget(n Node, outBus int) (dst Node, inBus int, ok bool) {
	if e == nil || n == nil {
		return nil, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := n.graphNode()
	if b == nil || b.e != e || outBus < 0 || outBus >= len(b.outputs) {
		return nil, 0, false
	}
	l := b.outputs[outBus]
	if l.dst == nil {
		return nil, 0, false
	}
	return l.dst.owner, l.bus, true
}

// InputBusSources counts the output buses attached to one input bus.
func (e *Engine) InputBusSources(n Node, inBus int) int {
	if n == nil {
		return 0
	}
	b := n.graphNode()
	if b == nil || inBus < 0 || inBus >= len(b.inputs) {
		return 0
	}
	return len(*b.inputs[inBus].Load())
}

// RouteSound moves a sound's output to n's input bus 0, or back to the
// endpoint when n is nil.
func (e *Engine) RouteSound(s *Sound, n Node) error {
	if !e.Initialized() {
		return notInitialized("route_sound")
	}
	if n == nil {
		n = e.Endpoint()
	}
	return e.AttachOutputBus(s, 0, n, 0)
}

// Endpoint is the graph's final node. Its single input bus sums everything
// attached to it; the engine reads the result.
type Endpoint struct {
	b *base
}

func (e *Engine) newEndpointLocked() *Endpoint {
	ep := &Endpoint{}
	ep.b = e.newBaseLocked("endpoint", ep, ep, 1, 0)
	return ep
}

func (ep *Endpoint) process(in, out [][]float32, frames int) {
	n := frames * ep.b.channels
	copy(out[0][:n], in[0][:n])
}

func (ep *Endpoint) graphNode() *base {
	if ep == nil {
		return nil
	}
	return ep.b
}

func (ep *Endpoint) ID() string          { return ep.graphNode().nodeID() }
func (ep *Endpoint) InputBusCount() int  { return ep.graphNode().inputCount() }
func (ep *Endpoint) OutputBusCount() int { return ep.graphNode().outputCount() }
