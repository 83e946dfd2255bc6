package engine

import "math"

// Vec3 is a position or direction in world space.
type Vec3 struct {
	X, Y, Z float32
}

// Cone describes directional attenuation. Angles are in radians.
type Cone struct {
	InnerAngle float32
	OuterAngle float32
	OuterGain  float32
}

// Listener is a point of view in the 3D scene. Its values are stored for the
// host; rendering does not use them.
type Listener struct {
	Position  Vec3
	Direction Vec3
	Velocity  Vec3
	WorldUp   Vec3
	Cone      Cone
	Enabled   bool
}

func defaultListener() Listener {
	return Listener{
		Direction: Vec3{0, 0, -1},
		WorldUp:   Vec3{0, 1, 0},
		Cone:      Cone{InnerAngle: 2 * math.Pi, OuterAngle: 2 * math.Pi, OuterGain: 1},
		Enabled:   true,
	}
}

// ListenerCount returns how many listeners the engine has.
func (e *Engine) ListenerCount() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Listener returns a copy of listener i.
func (e *Engine) Listener(i int) (Listener, bool) {
	if e == nil {
		return Listener{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.listeners) {
		return Listener{}, false
	}
	return e.listeners[i], true
}

// updateListener applies fn to listener i. Out-of-range indexes are ignored.
func (e *Engine) updateListener(i int, fn func(*Listener)) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.listeners) {
		return
	}
	fn(&e.listeners[i])
}

// SetListenerPosition stores the position of listener i.
func (e *Engine) SetListenerPosition(i int, x, y, z float32) {
	e.updateListener(i, func(l *Listener) { l.Position = Vec3{x, y, z} })
}

// SetListenerDirection stores the facing direction of listener i.
func (e *Engine) SetListenerDirection(i int, x, y, z float32) {
	e.updateListener(i, func(l *Listener) { l.Direction = Vec3{x, y, z} })
}

// SetListenerVelocity stores the velocity of listener i.
func (e *Engine) SetListenerVelocity(i int, x, y, z float32) {
	e.updateListener(i, func(l *Listener) { l.Velocity = Vec3{x, y, z} })
}

// SetListenerWorldUp stores the up vector of listener i.
func (e *Engine) SetListenerWorldUp(i int, x, y, z float32) {
	e.updateListener(i, func(l *Listener) { l.WorldUp = Vec3{x, y, z} })
}

// SetListenerCone stores the cone of listener i.
func (e *Engine) SetListenerCone(i int, inner, outer, outerGain float32) {
	e.updateListener(i, func(l *Listener) {
		l.Cone = Cone{InnerAngle: inner, OuterAngle: outer, OuterGain: outerGain}
	})
}

// SetListenerEnabled turns listener i on or off.
func (e *Engine) SetListenerEnabled(i int, enabled bool) {
	e.updateListener(i, func(l *Listener) { l.Enabled = enabled })
}
