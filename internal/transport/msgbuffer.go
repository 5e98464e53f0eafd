package transport

import (
	"sync"
	"sync/atomic"
)

// MsgBuffer is a fixed-capacity message buffer. Bytes() exposes the active
// window; Resize narrows or widens it up to the capacity.
type MsgBuffer struct {
	data []byte
	n    int
}

// Bytes returns the active window of the buffer.
func (b *MsgBuffer) Bytes() []byte { return b.data[:b.n] }

// Cap returns the buffer capacity.
func (b *MsgBuffer) Cap() int { return cap(b.data) }

// Resize sets the active window length, clamped to the capacity.
func (b *MsgBuffer) Resize(n int) {
	if n > cap(b.data) {
		n = cap(b.data)
	}
	b.n = n
	b.data = b.data[:cap(b.data)]
}

// BufferPool hands out fixed-capacity message buffers and takes them back.
// Pools are per endpoint and therefore per I/O thread; the free list lock
// only arbitrates against Free calls arriving from teardown paths. Alloc
// and free counts are tracked so shutdown tests can assert an exact match.
type BufferPool struct {
	mu      sync.Mutex
	free    []*MsgBuffer
	bufCap  int
	allocs  atomic.Uint64
	frees   atomic.Uint64
	created atomic.Uint64
}

// NewBufferPool creates a pool of buffers with the given capacity.
func NewBufferPool(bufCap int) *BufferPool {
	return &BufferPool{bufCap: bufCap}
}

// Alloc returns a buffer with the active window set to size.
func (p *BufferPool) Alloc(size int) *MsgBuffer {
	if size > p.bufCap {
		size = p.bufCap
	}
	p.allocs.Add(1)
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		b.Resize(size)
		b.n = size
		return b
	}
	p.mu.Unlock()
	p.created.Add(1)
	return &MsgBuffer{data: make([]byte, p.bufCap)[:p.bufCap], n: size}
}

// Free returns a buffer to the pool. Nil is ignored.
func (p *BufferPool) Free(b *MsgBuffer) {
	if b == nil {
		return
	}
	p.frees.Add(1)
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// Outstanding reports allocs minus frees; zero after a clean shutdown.
func (p *BufferPool) Outstanding() int64 {
	return int64(p.allocs.Load()) - int64(p.frees.Load())
}
