package queue

import (
	"sync/atomic"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// SPSCRing is a single-producer single-consumer ring for the worker's
// I/O-to-compute hand-off. Capacity must be a power of two. The producer
// publishes with a release store on head; the consumer acquires tail. The
// ring is full when (head+1) mod cap == tail and empty when head == tail;
// one slot is sacrificed to distinguish the two. No allocation on the hot
// path.
type SPSCRing struct {
	buf  []*types.Task
	mask uint64
	head atomic.Uint64 // next write slot, owned by producer
	tail atomic.Uint64 // next read slot, owned by consumer
}

// NewSPSCRing builds a ring with the given power-of-two capacity.
func NewSPSCRing(capacity uint64) *SPSCRing {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("queue: SPSC ring capacity must be a power of two")
	}
	return &SPSCRing{
		buf:  make([]*types.Task, capacity),
		mask: capacity - 1,
	}
}

// TryPush enqueues from the single producer; false when full.
func (r *SPSCRing) TryPush(t *types.Task) bool {
	head := r.head.Load()
	next := (head + 1) & r.mask
	if next == r.tail.Load() {
		return false
	}
	r.buf[head&r.mask] = t
	r.head.Store(next)
	return true
}

// TryPop dequeues from the single consumer; false when empty.
func (r *SPSCRing) TryPop() (*types.Task, bool) {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return nil, false
	}
	t := r.buf[tail&r.mask]
	r.buf[tail&r.mask] = nil
	r.tail.Store((tail + 1) & r.mask)
	return t, true
}

// Len is an approximate occupancy count.
func (r *SPSCRing) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int((head - tail + uint64(len(r.buf))) & r.mask)
}

// Empty reports whether the ring is empty.
func (r *SPSCRing) Empty() bool {
	return r.head.Load() == r.tail.Load()
}
