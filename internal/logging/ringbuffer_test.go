package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferBasicWrite(t *testing.T) {
	rb := NewRingBuffer(64)

	n, err := rb.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(rb.Bytes()))
	assert.Equal(t, 5, rb.Len())
}

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer(10)

	_, _ = rb.Write([]byte("abcdefghij"))
	_, _ = rb.Write([]byte("12345"))

	assert.Equal(t, "fghij12345", string(rb.Bytes()))
	assert.Equal(t, 10, rb.Len())
}

func TestRingBufferLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(5)
	_, _ = rb.Write([]byte("0123456789"))
	assert.Equal(t, "56789", string(rb.Bytes()))
}

func TestRingBufferDumpCreatesParentDir(t *testing.T) {
	rb := NewRingBuffer(32)
	_, _ = rb.Write([]byte("poll_tick_failed"))

	path := filepath.Join(t.TempDir(), "nested", "s1.crash.log")
	require.NoError(t, rb.DumpToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "poll_tick_failed", string(data))
}

func TestRingBufferConcurrent(t *testing.T) {
	rb := NewRingBuffer(1024)
	done := make(chan struct{})

	for range 10 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 100 {
				_, _ = rb.Write([]byte("x"))
			}
		}()
	}
	for range 10 {
		<-done
	}

	assert.Len(t, rb.Bytes(), 1000)
}

func TestRingBufferRecordsDropsCutLine(t *testing.T) {
	rb := NewRingBuffer(16)
	_, _ = rb.Write([]byte("{\"a\":1}\n"))
	_, _ = rb.Write([]byte("{\"b\":2}\n"))
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(rb.Records()), "nothing cut before wrapping")

	_, _ = rb.Write([]byte("x\n"))
	assert.Equal(t, "a\":1}\n{\"b\":2}\nx\n", string(rb.Bytes()))
	assert.Equal(t, "{\"b\":2}\nx\n", string(rb.Records()))
}
