package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
)

// RingBuffer keeps the most recent bytes written to it. Workers dump it
// next to their log file when they stop on a fatal error.
type RingBuffer struct {
	mu      sync.Mutex
	data    []byte
	head    int // index of the oldest byte
	length  int
	wrapped bool // older bytes have been overwritten
}

// NewRingBuffer returns a ring holding up to size bytes (default 1MB).
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultRingBytes
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	if n >= capacity {
		copy(rb.data, p[n-capacity:])
		rb.head, rb.length = 0, capacity
		rb.wrapped = true
		return n, nil
	}

	tail := (rb.head + rb.length) % capacity
	first := copy(rb.data[tail:], p)
	copy(rb.data, p[first:])

	rb.length += n
	if over := rb.length - capacity; over > 0 {
		rb.head = (rb.head + over) % capacity
		rb.length = capacity
		rb.wrapped = true
	}
	return n, nil
}

// Len reports how many bytes are held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Bytes returns a copy of the held bytes, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.snapshot()
}

func (rb *RingBuffer) snapshot() []byte {
	out := make([]byte, rb.length)
	n := copy(out, rb.data[rb.head:min(rb.head+rb.length, len(rb.data))])
	copy(out[n:], rb.data)
	return out
}

// Records returns the held bytes starting at the first complete line. Once
// the ring has wrapped, the oldest line is usually cut and is dropped.
func (rb *RingBuffer) Records() []byte {
	rb.mu.Lock()
	out, wrapped := rb.snapshot(), rb.wrapped
	rb.mu.Unlock()

	if wrapped {
		if i := bytes.IndexByte(out, '\n'); i >= 0 {
			out = out[i+1:]
		}
	}
	return out
}

// DumpToFile writes Records to path, creating parent directories.
func (rb *RingBuffer) DumpToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, rb.Records(), 0o600)
}
