package transfer

import (
	"bytes"
	"sync"
)

// boundedBuffer accumulates up to limit bytes. Once more is written it drops
// what it holds and only counts, so a large transfer never pins its payload
// in memory.
type boundedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int64
	total    int64
	overflow bool
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	if b.overflow {
		return len(p), nil
	}
	if b.total > b.limit {
		b.overflow = true
		b.buf = bytes.Buffer{}
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Bytes returns a copy of the accumulated payload and whether it is complete.
func (b *boundedBuffer) Bytes() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflow {
		return nil, false
	}
	return bytes.Clone(b.buf.Bytes()), true
}

func (b *boundedBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
