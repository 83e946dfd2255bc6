// Package feeder moves little-endian 16-bit PCM from byte producers into a
// device FIFO.
//
// Producers write bytes at their own pace into a staging ring buffer. A
// goroutine polls the staging buffer and copies whole samples into the FIFO
// whenever the device has drained room for them. Producers never touch the
// FIFO directly, so the FIFO keeps exactly one writer.
package feeder

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/fifo"
	"github.com/tphakala/audiobridge/internal/logger"
)

const (
	DefaultStagingBytes = 64 * 1024
	DefaultPollInterval = 5 * time.Millisecond

	maxRetries               = 3
	retryDelay               = 2 * time.Millisecond
	warningCapacityThreshold = 0.9
	moveChunkBytes           = 8 * 1024
)

var (
	// ErrStagingFull is returned when a write could not be staged in full.
	ErrStagingFull = errors.NewStd("feeder staging buffer full")
	// ErrStopped is returned by writes after Stop.
	ErrStopped = errors.NewStd("feeder stopped")
)

// Config sizes the staging buffer and the poll interval.
type Config struct {
	StagingBytes int
	PollInterval time.Duration
}

// Stats is a snapshot of feeder counters.
type Stats struct {
	BytesIn      uint64 // bytes accepted into staging
	BytesDropped uint64 // bytes refused because staging was full
	SamplesMoved uint64 // samples copied into the FIFO
	Staged       int    // bytes waiting in staging
}

// Feeder stages producer bytes and copies them into a FIFO.
type Feeder struct {
	dst      *fifo.Buffer
	rb       *ringbuffer.RingBuffer
	interval time.Duration
	log      logger.Logger

	// Mover state, owned by the run goroutine or by Flush callers holding moveMu.
	moveMu  sync.Mutex
	scratch []byte
	samples []int16

	mu      sync.Mutex
	quit    chan struct{}
	done    chan struct{}
	stopped atomic.Bool

	bytesIn      atomic.Uint64
	bytesDropped atomic.Uint64
	samplesMoved atomic.Uint64
	warnings     atomic.Uint64
}

// Option configures a Feeder.
type Option func(*Feeder)

// WithLogger sets the feeder logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Feeder) {
		if l != nil {
			f.log = l
		}
	}
}

// New returns a stopped feeder writing into dst.
func New(dst *fifo.Buffer, cfg Config, opts ...Option) (*Feeder, error) {
	if dst == nil {
		return nil, errors.New(fmt.Errorf("feeder needs a fifo")).
			Component("feeder").
			Category(errors.CategoryValidation).
			Context("operation", "init_feeder").
			Build()
	}
	if cfg.StagingBytes == 0 {
		cfg.StagingBytes = DefaultStagingBytes
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StagingBytes < 2 || cfg.PollInterval < 0 {
		return nil, errors.New(fmt.Errorf("invalid feeder config %+v", cfg)).
			Component("feeder").
			Category(errors.CategoryValidation).
			Context("operation", "init_feeder").
			Build()
	}

	f := &Feeder{
		dst:      dst,
		rb:       ringbuffer.New(cfg.StagingBytes),
		interval: cfg.PollInterval,
		scratch:  make([]byte, moveChunkBytes),
		samples:  make([]int16, moveChunkBytes/2),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logger.Global().Module("feeder")
	}
	return f, nil
}

// Write stages p. A write that does not fit is retried briefly; whatever is
// still left is dropped and ErrStagingFull returned with the count staged.
func (f *Feeder) Write(p []byte) (int, error) {
	if f.stopped.Load() {
		return 0, ErrStopped
	}
	if len(p) == 0 {
		return 0, nil
	}

	if used := float64(f.rb.Length()) / float64(f.rb.Capacity()); used > warningCapacityThreshold {
		if f.warnings.Add(1)%32 == 1 {
			f.log.Warn("feeder staging buffer nearly full", logger.Float64("used", used))
		}
	}

	written := 0
	for retry := range maxRetries {
		n, err := f.rb.Write(p[written:])
		written += n
		if err == nil || written == len(p) {
			break
		}
		if !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
			f.bytesIn.Add(uint64(written))
			return written, errors.New(err).
				Component("feeder").
				Category(errors.CategoryBuffer).
				Context("operation", "stage_samples").
				Build()
		}
		if retry < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	f.bytesIn.Add(uint64(written))

	if written < len(p) {
		dropped := len(p) - written
		f.bytesDropped.Add(uint64(dropped))
		return written, errors.New(fmt.Errorf("%w: dropped %d of %d bytes", ErrStagingFull, dropped, len(p))).
			Component("feeder").
			Category(errors.CategoryBuffer).
			Context("operation", "stage_samples").
			Context("free", f.rb.Free()).
			Build()
	}
	return written, nil
}

// WriteSamples stages samples as little-endian bytes and returns how many
// whole samples were staged.
func (f *Feeder) WriteSamples(samples []int16) (int, error) {
	buf := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	n, err := f.Write(buf)
	return n / 2, err
}

// Start launches the mover goroutine. It runs until Stop or ctx is done.
// Starting a running feeder is a no-op.
func (f *Feeder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped.Load() {
		return ErrStopped
	}
	if f.quit != nil {
		return nil
	}
	f.quit = make(chan struct{})
	f.done = make(chan struct{})
	go f.run(ctx, f.quit, f.done)
	f.log.Debug("feeder started", logger.Duration("poll_interval", f.interval))
	return nil
}

func (f *Feeder) run(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Flush copies as many staged samples as the FIFO has room for and returns
// the count. The mover calls it on every tick.
func (f *Feeder) Flush() int {
	f.moveMu.Lock()
	defer f.moveMu.Unlock()

	moved := 0
	for {
		room := min(f.dst.Free()*2, f.rb.Length(), len(f.scratch))
		room &^= 1
		if room == 0 {
			break
		}
		n, err := f.rb.Read(f.scratch[:room])
		if err != nil && n == 0 {
			break
		}
		// Reads of an even request from a buffer holding at least that many
		// bytes return all of them.
		count := n / 2
		for i := range count {
			f.samples[i] = int16(binary.LittleEndian.Uint16(f.scratch[2*i:]))
		}
		w := f.dst.Write(f.samples[:count])
		moved += w
		if w < count {
			f.log.Warn("fifo refused staged samples", logger.Int("refused", count-w))
			break
		}
	}
	if moved > 0 {
		f.samplesMoved.Add(uint64(moved))
	}
	return moved
}

// Stop ends the mover goroutine and waits for it. Staged bytes are kept
// until Reset. Stop is idempotent; a stopped feeder cannot be restarted.
func (f *Feeder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped.Swap(true) {
		return
	}
	if f.quit != nil {
		close(f.quit)
		<-f.done
	}
	f.log.Debug("feeder stopped", logger.Uint64("samples_moved", f.samplesMoved.Load()))
}

// Reset discards staged bytes.
func (f *Feeder) Reset() {
	f.moveMu.Lock()
	defer f.moveMu.Unlock()
	f.rb.Reset()
}

// Capacity returns the staging buffer size in bytes.
func (f *Feeder) Capacity() int {
	return f.rb.Capacity()
}

// Staged returns the bytes waiting in staging.
func (f *Feeder) Staged() int {
	return f.rb.Length()
}

// Stats returns a snapshot of the feeder counters.
func (f *Feeder) Stats() Stats {
	if f == nil {
		return Stats{}
	}
	return Stats{
		BytesIn:      f.bytesIn.Load(),
		BytesDropped: f.bytesDropped.Load(),
		SamplesMoved: f.samplesMoved.Load(),
		Staged:       f.rb.Length(),
	}
}
