package core

// Compaction thresholds for Buffer.Append. Compaction is preferred over
// growth when the live bytes are small and the consumed prefix dominates
// the allocation.
const (
	bufferCompactLiveMax   = 4096
	bufferCompactOffsetMin = 65536
	bufferGrowQuantum      = 4096
)

// Buffer is the receive buffer of a connection: bytes are appended as they
// arrive from the socket and carved off the front as the protocol handler
// consumes them. Append never discards unconsumed bytes.
type Buffer struct {
	storage []byte
	offset  int
}

// Size reports the number of unconsumed bytes.
func (b *Buffer) Size() int { return len(b.storage) - b.offset }

// Span returns the first n unconsumed bytes without consuming them. The
// returned slice is valid until the next mutating call.
func (b *Buffer) Span(n int) ([]byte, error) {
	if n > b.Size() {
		return nil, ErrOutOfRange
	}
	return b.storage[b.offset : b.offset+n], nil
}

// Append adds data after the currently unconsumed bytes, compacting or
// growing the underlying storage as required.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	live := b.Size()
	needed := live + len(data)
	if needed <= cap(b.storage) {
		// Compact when the allocation is dominated by consumed bytes, or
		// when the tail has no room left for an in-place append.
		tail := cap(b.storage) - len(b.storage)
		degenerate := live <= bufferCompactLiveMax && b.offset > bufferCompactOffsetMin && b.offset >= cap(b.storage)/2
		if degenerate || tail < len(data) {
			copy(b.storage[:live], b.storage[b.offset:])
			b.storage = b.storage[:live]
			b.offset = 0
		}
		b.storage = append(b.storage, data...)
		return
	}
	grown := make([]byte, live, roundUp(needed*3/2, bufferGrowQuantum))
	copy(grown, b.storage[b.offset:])
	b.storage = append(grown, data...)
	b.offset = 0
}

// Erase consumes n bytes from the front. When everything has been consumed
// the buffer rewinds to reuse its storage from the start.
func (b *Buffer) Erase(n int) error {
	if n > b.Size() {
		return ErrOutOfRange
	}
	b.offset += n
	if b.offset == len(b.storage) {
		b.storage = b.storage[:0]
		b.offset = 0
	}
	return nil
}

// Carve consumes n bytes from the front and returns them. The returned
// slice is valid until the next mutating call.
func (b *Buffer) Carve(n int) ([]byte, error) {
	out, err := b.Span(n)
	if err != nil {
		return nil, err
	}
	b.offset += n
	if b.offset == len(b.storage) {
		b.storage = b.storage[:0]
		b.offset = 0
	}
	return out, nil
}

func roundUp(n, quantum int) int {
	return (n + quantum - 1) / quantum * quantum
}
