package logger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// LogFilePermissions restricts log files to the owner
	LogFilePermissions = 0o600

	defaultBufferSize    = 32 * 1024
	defaultFlushInterval = 2 * time.Second
)

// BufferedFileWriter is an append-only log file behind a bufio.Writer that is
// flushed periodically and on Close. Safe for concurrent use.
type BufferedFileWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed bool
}

// NewBufferedFileWriter opens path for appending and starts the flush loop.
func NewBufferedFileWriter(path string, flushInterval time.Duration) (*BufferedFileWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, LogFilePermissions) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	w := &BufferedFileWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, defaultBufferSize),
		path:   path,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.flushLoop(flushInterval)
	return w, nil
}

func (w *BufferedFileWriter) flushLoop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			_ = w.Flush()
		}
	}
}

func (w *BufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("log writer %s is closed", w.path)
	}
	return w.writer.Write(p)
}

// Flush pushes buffered bytes to the OS without fsync.
func (w *BufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.writer.Flush()
}

// Close flushes, syncs and closes the file. Idempotent.
func (w *BufferedFileWriter) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		w.closed = true
		err = errors.Join(w.writer.Flush(), w.file.Sync(), w.file.Close())
	})
	return err
}
