// Package fifo implements the single-producer, single-consumer sample ring
// shared between an audio producer and a device's pull callback.
//
// The storage and both position cells belong to the producer; a Buffer only
// references them. Positions are wrapping indices in [0, capacity). The
// consumer advances the read position, the producer the write position, and
// both compute the fill level the same way:
//
//	available = write >= read ? write - read : capacity - read + write
//
// Positions are atomic.Int64 cells read and written with Load and Store, so a
// position update is published after the samples it covers.
package fifo

import (
	"fmt"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/errors"
)

// region is one installed hand-off. It is immutable after Install; only the
// cells it points at change.
type region struct {
	buf      []int16
	capacity int64
	readPos  *atomic.Int64
	writePos *atomic.Int64
}

// Buffer is a view over producer-owned storage. The zero value has nothing
// installed and drains silence.
type Buffer struct {
	r atomic.Pointer[region]
}

// Install replaces the shared storage and resets both positions to zero.
// Passing a nil buf uninstalls. Install must not race an active Drain: stop
// the consumer first.
func (b *Buffer) Install(buf []int16, capacity int, readPos, writePos *atomic.Int64) error {
	if buf == nil {
		b.r.Store(nil)
		return nil
	}
	switch {
	case capacity <= 0:
		return invalid(fmt.Errorf("fifo capacity must be positive, got %d", capacity))
	case len(buf) < capacity:
		return invalid(fmt.Errorf("fifo storage holds %d samples, capacity is %d", len(buf), capacity))
	case readPos == nil || writePos == nil:
		return invalid(fmt.Errorf("fifo position cells must not be nil"))
	}

	readPos.Store(0)
	writePos.Store(0)
	b.r.Store(&region{
		buf:      buf[:capacity],
		capacity: int64(capacity),
		readPos:  readPos,
		writePos: writePos,
	})
	return nil
}

func invalid(err error) error {
	return errors.New(err).
		Component("fifo").
		Category(errors.CategoryValidation).
		Context("operation", "install_fifo").
		Build()
}

// Reset uninstalls the storage. Same precondition as Install.
func (b *Buffer) Reset() {
	b.r.Store(nil)
}

// Installed reports whether storage is installed.
func (b *Buffer) Installed() bool {
	return b.r.Load() != nil
}

// Capacity returns the installed capacity in samples, 0 when uninstalled.
func (b *Buffer) Capacity() int {
	r := b.r.Load()
	if r == nil {
		return 0
	}
	return int(r.capacity)
}

// Available returns the samples ready to read, 0 when uninstalled.
func (b *Buffer) Available() int {
	r := b.r.Load()
	if r == nil {
		return 0
	}
	read, write := r.positions()
	return int(distance(read, write, r.capacity))
}

// Free returns the samples the producer may write. One slot stays empty so a
// full ring never looks empty.
func (b *Buffer) Free() int {
	r := b.r.Load()
	if r == nil {
		return 0
	}
	read, write := r.positions()
	return int(r.capacity - 1 - distance(read, write, r.capacity))
}

// Drain copies up to len(dst) samples into dst, zero-fills whatever the ring
// could not supply, advances the read position by the samples copied and
// returns that count. Consumer only. Never blocks or allocates.
func (b *Buffer) Drain(dst []int16) int {
	r := b.r.Load()
	if r == nil {
		clear(dst)
		return 0
	}

	read, write := r.positions()
	n := min(int64(len(dst)), distance(read, write, r.capacity))
	if n > 0 {
		first := min(n, r.capacity-read)
		copy(dst[:first], r.buf[read:read+first])
		copy(dst[first:n], r.buf[:n-first])
		r.readPos.Store((read + n) % r.capacity)
	}
	clear(dst[n:])
	return int(n)
}

// Write copies as many samples from src as fit without overrunning the reader,
// advances the write position and returns the count. Producer only.
func (b *Buffer) Write(src []int16) int {
	r := b.r.Load()
	if r == nil {
		return 0
	}

	read, write := r.positions()
	free := r.capacity - 1 - distance(read, write, r.capacity)
	n := min(int64(len(src)), free)
	if n <= 0 {
		return 0
	}
	first := min(n, r.capacity-write)
	copy(r.buf[write:write+first], src[:first])
	copy(r.buf[:n-first], src[first:n])
	r.writePos.Store((write + n) % r.capacity)
	return int(n)
}

// positions loads both cells and folds them into [0, capacity) in case the
// producer stored an unreduced value.
func (r *region) positions() (read, write int64) {
	return wrap(r.readPos.Load(), r.capacity), wrap(r.writePos.Load(), r.capacity)
}

func wrap(pos, capacity int64) int64 {
	pos %= capacity
	if pos < 0 {
		pos += capacity
	}
	return pos
}

func distance(read, write, capacity int64) int64 {
	if write >= read {
		return write - read
	}
	return capacity - read + write
}
