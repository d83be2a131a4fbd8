package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultQueueDepth bounds the writer's in-flight event queue. When the queue
// is full, Append blocks the calling step rather than dropping events:
// durability is never sacrificed for throughput.
const DefaultQueueDepth = 256

// DefaultDrainTimeout bounds how long Close waits for the queue to flush
// before reporting a BackpressureTimeout.
const DefaultDrainTimeout = 10 * time.Second

// Writer is the single write path into a trace file.
//
// Append enqueues onto a bounded, ordered, single-consumer queue so that
// issuing a step is not blocked on physical I/O latency. One background
// goroutine consumes the queue and writes line-delimited JSON; per-step
// emission order is therefore preserved in the physical log.
//
// Thread-safety: Append and Close are safe from any goroutine, though the
// coordinator's single-step-at-a-time model means Append is rarely contended.
type Writer struct {
	mu     sync.Mutex
	closed bool

	ch   chan Event
	done chan struct{}

	f  *os.File
	bw *bufio.Writer

	// werr records the first write error seen by the consumer.
	// Reported from Close; later appends are still accepted and drained.
	werr error

	drainTimeout time.Duration
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithQueueDepth overrides the bounded queue depth.
func WithQueueDepth(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.ch = make(chan Event, n)
		}
	}
}

// WithDrainTimeout overrides how long Close waits for the queue to drain.
func WithDrainTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.drainTimeout = d
		}
	}
}

// NewWriter creates (or truncates) a trace file at path and starts the
// consumer goroutine. Parent directories are created as needed.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	w := &Writer{
		ch:           make(chan Event, DefaultQueueDepth),
		done:         make(chan struct{}),
		f:            f,
		bw:           bufio.NewWriter(f),
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.consume()
	return w, nil
}

// Append enqueues one event for durable write. Blocks while the queue is
// full. Returns ErrWriterClosed after Close has begun.
func (w *Writer) Append(e Event) error {
	// The lock is held across the send so Close cannot close the channel
	// while an append is in flight; a full queue therefore blocks the
	// calling step, and Close serializes behind it.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.ch <- e
	return nil
}

// Close drains the queue fully, syncs, and closes the file. Every event
// accepted before Close is flushed on normal and erroring exit alike.
// Returns a *BackpressureTimeout if the drain does not finish within the
// configured bound, or the first write error the consumer encountered.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-time.After(w.drainTimeout):
		return &BackpressureTimeout{Timeout: w.drainTimeout, Pending: len(w.ch)}
	}

	flushErr := w.bw.Flush()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()

	if w.werr != nil {
		return fmt.Errorf("trace write: %w", w.werr)
	}
	if flushErr != nil {
		return fmt.Errorf("trace flush: %w", flushErr)
	}
	if syncErr != nil {
		return fmt.Errorf("trace sync: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("trace close: %w", closeErr)
	}
	return nil
}

// consume is the single queue consumer. Runs until the channel is closed and
// drained, then signals done.
func (w *Writer) consume() {
	defer close(w.done)
	enc := json.NewEncoder(w.bw)
	for e := range w.ch {
		if err := enc.Encode(e); err != nil && w.werr == nil {
			w.werr = err
			continue
		}
		// Flush per event so a crash loses at most the partial final line,
		// which readers are required to tolerate.
		if err := w.bw.Flush(); err != nil && w.werr == nil {
			w.werr = err
		}
	}
}
