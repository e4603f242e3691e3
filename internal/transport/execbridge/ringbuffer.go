package execbridge

import (
	"sync"
)

// RingBuffer keeps the last N lines written to it.
//
// Example with capacity 3:
//
//	Write("A") -> [A, _, _]  head=1, size=1
//	Write("B") -> [A, B, _]  head=2, size=2
//	Write("C") -> [A, B, C]  head=0, size=3
//	Write("D") -> [D, B, C]  head=1, size=3 (A was overwritten)
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string

	// head is where the next write goes.
	head int
	size int
}

// NewRingBuffer creates a buffer holding capacity lines.
// If capacity is <= 0, it defaults to DefaultOutputLines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultOutputLines
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Write adds a line, overwriting the oldest one when full.
func (rb *RingBuffer) Write(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % len(rb.lines)
	if rb.size < len(rb.lines) {
		rb.size++
	}
}

// Lines returns a copy of the stored lines, oldest first.
func (rb *RingBuffer) Lines() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]string, rb.size)
	if rb.size < len(rb.lines) {
		copy(result, rb.lines[:rb.size])
		return result
	}
	for i := range rb.size {
		result[i] = rb.lines[(rb.head+i)%len(rb.lines)]
	}
	return result
}

// Last returns the newest line, or "" when empty.
func (rb *RingBuffer) Last() string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.size == 0 {
		return ""
	}
	return rb.lines[(rb.head-1+len(rb.lines))%len(rb.lines)]
}

// Size returns the number of stored lines.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}
