package websocket

import "sync"

// bytePool is a process-wide pool of reusable byte slices, generalizing the
// teacher's per-purpose sync.Pool pairs (flateReaderPool/flateWriterPool in
// compression.go) into a single pool of raw buffers shared by every
// MessageAssembler and PooledBuffer in the process.
var bytePool sync.Pool

func getPooledSlice(capacity int) []byte {
	if v, ok := bytePool.Get().([]byte); ok && cap(v) >= capacity {
		return v[:0]
	}
	return make([]byte, 0, capacity)
}

func putPooledSlice(b []byte) {
	if b == nil {
		return
	}
	bytePool.Put(b[:0]) //nolint:staticcheck // intentionally retaining capacity
}

// PooledBuffer is a growable byte region backed by bytePool. It is not safe
// for concurrent use; each owner (a MessageAssembler, the Inflater's output
// buffer) acquires its own. The frame reader's and writer's scratch buffers
// are plain slices allocated once per Client, not drawn from this pool.
type PooledBuffer struct {
	buf []byte
}

// NewPooledBuffer acquires a buffer with at least the given initial capacity.
func NewPooledBuffer(initialCapacity int) *PooledBuffer {
	return &PooledBuffer{buf: getPooledSlice(initialCapacity)}
}

// Release returns the backing array to the pool. The PooledBuffer must not
// be used afterward.
func (p *PooledBuffer) Release() {
	putPooledSlice(p.buf)
	p.buf = nil
}

// grow ensures the backing array can hold at least n more bytes, doubling
// capacity (copying existing bytes) and returning the old array to the pool.
func (p *PooledBuffer) grow(n int) {
	need := len(p.buf) + n
	if cap(p.buf) >= need {
		return
	}
	newCap := cap(p.buf)
	if newCap == 0 {
		newCap = 64
	}
	for newCap < need {
		newCap *= 2
	}
	next := getPooledSlice(newCap)
	next = next[:len(p.buf)]
	copy(next, p.buf)
	old := p.buf
	p.buf = next
	putPooledSlice(old)
}

// MessageAssembler appends payload slices into a pooled buffer and exposes
// the accumulated bytes. Reset is O(1): it only rewinds the write cursor, it
// never zeroes memory (spec.md §4.1).
type MessageAssembler struct {
	pb *PooledBuffer
}

// NewMessageAssembler creates an assembler with the given initial capacity.
func NewMessageAssembler(initialCapacity int) *MessageAssembler {
	return &MessageAssembler{pb: NewPooledBuffer(initialCapacity)}
}

// Append grows the backing buffer if needed and copies data onto the end.
func (a *MessageAssembler) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	a.pb.grow(len(data))
	a.pb.buf = append(a.pb.buf, data...)
}

// Reset rewinds the write cursor to zero without releasing or zeroing memory.
func (a *MessageAssembler) Reset() {
	a.pb.buf = a.pb.buf[:0]
}

// WrittenView returns the accumulated bytes. The slice aliases the
// assembler's buffer and is only valid until the next Append/Reset.
func (a *MessageAssembler) WrittenView() []byte {
	return a.pb.buf
}

// Len reports the number of bytes currently accumulated.
func (a *MessageAssembler) Len() int {
	return len(a.pb.buf)
}

// Release returns the assembler's backing array to the pool. The assembler
// must not be used afterward.
func (a *MessageAssembler) Release() {
	a.pb.Release()
}
