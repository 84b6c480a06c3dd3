// Package waveform holds the bounded sample window shared between the
// acquisition loop and the quality orchestrator.
package waveform

import (
	"sync"

	"github.com/tphakala/pulsecheck/internal/errors"
)

// DefaultCapacity is the default number of samples kept by a Window.
const DefaultCapacity = 1024

// Sample is one waveform value, ordered by acquisition.
type Sample = float64

// Appender receives newly acquired samples. Sources write through it.
type Appender interface {
	Append(samples ...float64)
}

// Window is an append-only ring of the most recent samples. It is safe for
// one producer and any number of concurrent readers. Snapshots are copies.
type Window struct {
	mu      sync.RWMutex
	buf     []float64
	head    int // index of the oldest sample
	size    int
	version uint64
}

// NewWindow creates a Window holding at most capacity samples.
func NewWindow(capacity int) (*Window, error) {
	if capacity <= 0 {
		return nil, errors.Newf("window capacity must be positive, got %d", capacity).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}
	return &Window{buf: make([]float64, capacity)}, nil
}

// Append adds samples in order, evicting the oldest once full.
func (w *Window) Append(samples ...float64) {
	if len(samples) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := len(w.buf)
	w.version += uint64(len(samples))

	// Only the last capacity samples can survive
	if len(samples) >= capacity {
		copy(w.buf, samples[len(samples)-capacity:])
		w.head = 0
		w.size = capacity
		return
	}

	for _, s := range samples {
		tail := (w.head + w.size) % capacity
		w.buf[tail] = s
		if w.size < capacity {
			w.size++
		} else {
			w.head = (w.head + 1) % capacity
		}
	}
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Version returns the total number of samples ever appended.
func (w *Window) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// Snapshot returns a fresh copy of the last n samples in acquisition order.
// n <= 0 or n larger than Len returns every held sample.
func (w *Window) Snapshot(n int) []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n <= 0 || n > w.size {
		n = w.size
	}
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	capacity := len(w.buf)
	start := (w.head + w.size - n) % capacity
	first := copy(out, w.buf[start:min(start+n, capacity)])
	if first < n {
		copy(out[first:], w.buf[:n-first])
	}
	return out
}

// Reset discards all held samples. Version keeps counting.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.head = 0
	w.size = 0
}
