// Package audio provides the PCM primitives shared by the call engine.
//
// RingBuffer implements a fixed-capacity circular window of 16-bit samples.
// It backs the microphone tap used for level metering and any downstream
// consumer that needs the most recent slice of raw audio.
//
// Main features:
//   - Fixed capacity in samples, sized directly or from a duration
//   - Oldest samples are silently overwritten once the window is full
//   - LastN zero-pads when fewer samples than requested have been pushed
//   - Thread-safe push/read
//
// Usage:
//
//	rb := NewRingBufferForDuration(16000, 1000) // one second at 16kHz
//	rb.PushPCM(chunk)
//	recent := rb.LastN(1600)
package audio

import (
	"sync"
)

// RingBuffer is a fixed-size circular buffer of PCM samples.
type RingBuffer struct {
	data     []int16
	capacity int // total capacity in samples
	writePos int // next write position
	size     int // number of valid samples, never above capacity
	mu       sync.Mutex
}

// NewRingBuffer creates a ring buffer holding capacity samples.
// A non-positive capacity is treated as one sample.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]int16, capacity),
		capacity: capacity,
	}
}

// NewRingBufferForDuration creates a ring buffer large enough for durationMs
// of mono audio at sampleRate.
func NewRingBufferForDuration(sampleRate, durationMs int) *RingBuffer {
	return NewRingBuffer(sampleRate * durationMs / 1000)
}

// Push appends samples. If the buffer is full, the oldest samples are overwritten.
func (rb *RingBuffer) Push(samples ...int16) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(samples)
	if n == 0 {
		return
	}

	// Only the newest capacity samples can survive.
	if n >= rb.capacity {
		copy(rb.data, samples[n-rb.capacity:])
		rb.writePos = 0
		rb.size = rb.capacity
		return
	}

	spaceToEnd := rb.capacity - rb.writePos
	if n <= spaceToEnd {
		copy(rb.data[rb.writePos:], samples)
		rb.writePos += n
		if rb.writePos == rb.capacity {
			rb.writePos = 0
		}
	} else {
		copy(rb.data[rb.writePos:], samples[:spaceToEnd])
		copy(rb.data[0:], samples[spaceToEnd:])
		rb.writePos = n - spaceToEnd
	}

	rb.size += n
	if rb.size > rb.capacity {
		rb.size = rb.capacity
	}
}

// PushPCM decodes little-endian 16-bit PCM and pushes the samples.
// A trailing odd byte is ignored.
func (rb *RingBuffer) PushPCM(pcm []byte) {
	rb.Push(BytesToSamples(pcm)...)
}

// LastN returns the most recent n samples in chronological order.
// When fewer than n samples are buffered the result is zero-padded at the
// front, so the length is always n, even when n exceeds the capacity.
func (rb *RingBuffer) LastN(n int) []int16 {
	if n <= 0 {
		return []int16{}
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]int16, n)

	available := n
	if available > rb.size {
		available = rb.size
	}
	if available == 0 {
		return out
	}

	// The newest sample sits just before writePos.
	start := rb.writePos - available
	if start < 0 {
		start += rb.capacity
	}

	dst := out[n-available:]
	if start+available <= rb.capacity {
		copy(dst, rb.data[start:start+available])
	} else {
		firstPart := rb.capacity - start
		copy(dst, rb.data[start:])
		copy(dst[firstPart:], rb.data[:available-firstPart])
	}

	return out
}

// Clear resets the buffer to empty state.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.writePos = 0
	rb.size = 0
}

// Size returns the number of valid samples currently buffered.
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the total capacity in samples.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
