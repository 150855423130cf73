package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring used to re-chunk streamed audio into
// fixed-size frames. One slot stays unused to tell full from empty.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.Mutex
}

// NewRingBuffer creates a ring that holds up to size-1 bytes
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write copies as much of data as fits and returns the number of bytes written
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), rb.space())
	for written := 0; written < n; {
		end := rb.size
		if rb.read > rb.write {
			end = rb.read - 1
		} else if rb.read == 0 {
			end = rb.size - 1
		}
		c := copy(rb.buffer[rb.write:end], data[written:n])
		written += c
		rb.write = (rb.write + c) % rb.size
	}
	return n
}

// Read copies up to len(data) buffered bytes and returns the count
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

// ReadFrame fills frame only if enough bytes are buffered; otherwise it reads nothing.
func (rb *RingBuffer) ReadFrame(frame []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.available() < len(frame) {
		return false
	}
	rb.readLocked(frame)
	return true
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := min(len(data), rb.available())
	for read := 0; read < n; {
		end := rb.size
		if rb.write > rb.read {
			end = rb.write
		}
		c := copy(data[read:n], rb.buffer[rb.read:end])
		read += c
		rb.read = (rb.read + c) % rb.size
	}
	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

func (rb *RingBuffer) space() int {
	return rb.size - rb.available() - 1
}

// IsEmpty reports whether nothing is buffered
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}
