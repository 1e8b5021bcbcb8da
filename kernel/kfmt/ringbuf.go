package kfmt

import "io"

// ringBufferSize defines the capacity of the buffer that captures Printf
// output before a console is attached. It is large enough to hold a full
// boot log of the memory subsystem. The size must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer is a fixed-size FIFO that keeps the most recent ringBufferSize
// bytes written to it. When full, new writes evict the oldest data.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int

	// full is set when wIndex has caught up with rIndex after a write.
	full bool

	// dropped counts the bytes evicted since the last reset.
	dropped int
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	switch {
	case rb.full:
		return ringBufferSize
	case rb.wIndex >= rb.rIndex:
		return rb.wIndex - rb.rIndex
	default:
		return ringBufferSize - rb.rIndex + rb.wIndex
	}
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		if rb.full {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
			rb.dropped++
		}
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		rb.full = rb.wIndex == rb.rIndex
	}

	return len(p), nil
}

// Read drains up to len(p) bytes into p. It returns io.EOF once the buffer
// is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	avail := rb.Len()
	if avail == 0 {
		return 0, io.EOF
	}

	// Copy the contiguous chunk starting at rIndex; callers loop for the rest.
	chunk := ringBufferSize - rb.rIndex
	if chunk > avail {
		chunk = avail
	}

	n := copy(p, rb.buffer[rb.rIndex:rb.rIndex+chunk])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	if n != 0 {
		rb.full = false
	}
	return n, nil
}

// Reset discards all buffered data.
func (rb *ringBuffer) Reset() {
	rb.rIndex, rb.wIndex, rb.full, rb.dropped = 0, 0, false, 0
}
