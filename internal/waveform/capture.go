package waveform

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
)

// BytesPerSample is the size of one little-endian float32 frame sample.
const BytesPerSample = 4

// CaptureBuffer is a byte FIFO between a byte-stream source and the Window.
// Writes must be whole samples. When full, the oldest samples are dropped so
// the newest data always fits.
type CaptureBuffer struct {
	mu      sync.Mutex
	rb      *ringbuffer.RingBuffer
	scratch []byte
	dropped atomic.Uint64
}

// NewCaptureBuffer creates a capture buffer holding up to samples samples.
func NewCaptureBuffer(samples int) (*CaptureBuffer, error) {
	if samples <= 0 {
		return nil, errors.Newf("capture buffer size must be positive, got %d", samples).
			Component("waveform").
			Category(errors.CategoryBuffer).
			Build()
	}
	capacity := samples * BytesPerSample
	return &CaptureBuffer{
		rb:      ringbuffer.New(capacity),
		scratch: make([]byte, capacity),
	}, nil
}

// Write appends raw little-endian float32 frames.
func (c *CaptureBuffer) Write(p []byte) (int, error) {
	if len(p)%BytesPerSample != 0 {
		return 0, errors.Newf("frame length %d is not a multiple of %d", len(p), BytesPerSample).
			Component("waveform").
			Category(errors.CategoryValidation).
			Context("frame_bytes", len(p)).
			Build()
	}
	if len(p) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	capacity := c.rb.Capacity()
	written := len(p)
	if len(p) > capacity {
		c.dropped.Add(uint64((len(p) - capacity) / BytesPerSample))
		p = p[len(p)-capacity:]
	}

	if need := len(p) - c.rb.Free(); need > 0 {
		if _, err := c.rb.Read(c.scratch[:need]); err != nil {
			return 0, errors.New(err).
				Component("waveform").
				Category(errors.CategoryBuffer).
				Context("operation", "evict_oldest").
				Build()
		}
		c.dropped.Add(uint64(need / BytesPerSample))
		GetLogger().Debug("capture buffer full, dropped oldest samples",
			logger.Int("dropped_samples", need/BytesPerSample))
	}

	if _, err := c.rb.Write(p); err != nil {
		if errors.Is(err, ringbuffer.ErrIsFull) {
			return 0, errors.New(err).
				Component("waveform").
				Category(errors.CategoryBuffer).
				Context("free_bytes", c.rb.Free()).
				Build()
		}
		return 0, errors.New(err).
			Component("waveform").
			Category(errors.CategoryBuffer).
			Build()
	}
	return written, nil
}

// DrainTo moves every buffered sample into dst and returns the sample count.
func (c *CaptureBuffer) DrainTo(dst Appender) (int, error) {
	c.mu.Lock()
	n := c.rb.Length()
	if n == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	raw := make([]byte, n)
	read, err := c.rb.Read(raw)
	c.mu.Unlock()
	if err != nil {
		return 0, errors.New(err).
			Component("waveform").
			Category(errors.CategoryBuffer).
			Context("operation", "drain").
			Build()
	}

	samples := DecodeFloat32LE(raw[:read])
	dst.Append(samples...)
	return len(samples), nil
}

// Length returns the number of buffered samples.
func (c *CaptureBuffer) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rb.Length() / BytesPerSample
}

// Dropped returns how many samples were discarded because the buffer was full.
func (c *CaptureBuffer) Dropped() uint64 {
	return c.dropped.Load()
}

// Reset discards buffered data.
func (c *CaptureBuffer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rb.Reset()
}

// DecodeFloat32LE converts little-endian float32 frames to samples.
// A trailing partial sample is ignored.
func DecodeFloat32LE(raw []byte) []float64 {
	out := make([]float64, len(raw)/BytesPerSample)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*BytesPerSample:])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out
}

// EncodeFloat32LE converts samples to little-endian float32 frames.
func EncodeFloat32LE(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*BytesPerSample:], math.Float32bits(float32(s)))
	}
	return out
}
