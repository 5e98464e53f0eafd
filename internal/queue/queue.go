// Package queue provides the worker-side admission queues: a mutex FIFO
// for FCFS service, an EDF min-heap, a hierarchical timing wheel for
// high-throughput approximate EDF, and the SPSC ring used for the
// I/O-to-compute hand-off. EDF variants also export the slack-time
// histogram the load balancer feeds into risk-aware dispatch.
package queue

import (
	"sync"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Local is the contract every admission queue satisfies. Push and TryPop
// are safe for concurrent use by the I/O thread and the compute pool.
type Local interface {
	Push(t *types.Task)
	TryPop() (*types.Task, bool)
	Len() int
	Empty() bool
}

// SlackHistogrammer is implemented by EDF-style queues that can report the
// remaining-slack distribution of their pending tasks.
type SlackHistogrammer interface {
	SlackHistogram(now types.Timestamp) [types.SlackBins]uint32
}

// ForScheduler builds the queue matching the worker's configured local
// scheduling discipline.
func ForScheduler(s types.LocalScheduler) Local {
	if s == types.SchedEDF {
		return NewEDFHeap()
	}
	return NewFCFS()
}

// FCFS is a single-mutex FIFO. Used by the Power-of-2 and original-Malcolm
// worker configurations.
type FCFS struct {
	mu    sync.Mutex
	tasks []*types.Task
	head  int
}

// NewFCFS returns an empty FIFO.
func NewFCFS() *FCFS {
	return &FCFS{}
}

// Push appends a task in arrival order.
func (q *FCFS) Push(t *types.Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

// TryPop removes the oldest task, if any.
func (q *FCFS) TryPop() (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.tasks) {
		return nil, false
	}
	t := q.tasks[q.head]
	q.tasks[q.head] = nil
	q.head++
	// Reclaim the drained prefix once it dominates the slice.
	if q.head > 64 && q.head*2 >= len(q.tasks) {
		q.tasks = append(q.tasks[:0], q.tasks[q.head:]...)
		q.head = 0
	}
	return t, true
}

// Len returns the number of queued tasks.
func (q *FCFS) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) - q.head
}

// Empty reports whether the queue has no tasks.
func (q *FCFS) Empty() bool { return q.Len() == 0 }

// binSlack maps a slack value to its histogram bin: bin 0 for expired,
// then fixed-width bins saturating at the last bin.
func binSlack(slack types.Duration) int {
	if slack <= 0 {
		return 0
	}
	bin := int(uint64(slack)/uint64(types.SlackBinWidth)) + 1
	if bin > types.SlackBins-1 {
		bin = types.SlackBins - 1
	}
	return bin
}
