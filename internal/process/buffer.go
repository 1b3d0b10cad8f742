package process

import "sync"

// TruncationMarker is appended to a stream's captured output when the
// buffer cap is exceeded. Consumers can detect partial captures by
// checking for this suffix.
const TruncationMarker = "\n[output truncated]"

const defaultBufferMaxBytes = 2 * 1024 * 1024 // 2MB

// boundedBuffer captures stream output up to a byte cap. Once the cap is
// reached further writes are discarded and the capture is marked
// truncated; String() then carries an explicit truncation marker so a
// partial capture is never mistaken for a complete one.
type boundedBuffer struct {
	mu        sync.Mutex
	maxBytes  int64
	size      int64
	data      []byte
	truncated bool
}

func newBoundedBuffer(maxBytes int64) *boundedBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultBufferMaxBytes
	}
	return &boundedBuffer{maxBytes: maxBytes}
}

// Write appends p to the capture, keeping at most maxBytes.
func (b *boundedBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return
	}
	remaining := b.maxBytes - b.size
	if remaining <= 0 {
		b.truncated = true
		return
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		b.truncated = true
	}
	b.data = append(b.data, p...)
	b.size += int64(len(p))
}

// String returns the captured output, with the truncation marker appended
// when the cap was exceeded.
func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return string(b.data) + TruncationMarker
	}
	return string(b.data)
}

// Truncated reports whether the cap was exceeded.
func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
