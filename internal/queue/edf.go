package queue

import (
	"container/heap"
	"sync"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// EDFHeap is a mutex-protected min-heap ordered by absolute deadline.
// Ties break on insertion order; ties are rare and stable pop order is not
// required, but a deterministic tie-break keeps tests simple.
type EDFHeap struct {
	mu      sync.Mutex
	entries edfEntries
	seq     uint64
}

type edfEntry struct {
	task *types.Task
	seq  uint64
}

type edfEntries []edfEntry

func (e edfEntries) Len() int { return len(e) }
func (e edfEntries) Less(i, j int) bool {
	if e[i].task.Deadline != e[j].task.Deadline {
		return e[i].task.Deadline < e[j].task.Deadline
	}
	return e[i].seq < e[j].seq
}
func (e edfEntries) Swap(i, j int) { e[i], e[j] = e[j], e[i] }
func (e *edfEntries) Push(x any)   { *e = append(*e, x.(edfEntry)) }
func (e *edfEntries) Pop() any {
	old := *e
	n := len(old)
	item := old[n-1]
	old[n-1] = edfEntry{}
	*e = old[:n-1]
	return item
}

// NewEDFHeap returns an empty deadline-ordered queue.
func NewEDFHeap() *EDFHeap {
	return &EDFHeap{}
}

// Push inserts a task.
func (q *EDFHeap) Push(t *types.Task) {
	q.mu.Lock()
	heap.Push(&q.entries, edfEntry{task: t, seq: q.seq})
	q.seq++
	q.mu.Unlock()
}

// TryPop removes the task with the earliest deadline, if any.
func (q *EDFHeap) TryPop() (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.entries).(edfEntry)
	return e.task, true
}

// Peek returns the earliest-deadline task without removing it.
func (q *EDFHeap) Peek() (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0].task, true
}

// DrainExpired pops every task whose deadline is at or before now.
func (q *EDFHeap) DrainExpired(now types.Timestamp) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*types.Task
	for len(q.entries) > 0 && q.entries[0].task.Deadline <= now {
		e := heap.Pop(&q.entries).(edfEntry)
		expired = append(expired, e.task)
	}
	return expired
}

// Len returns the number of queued tasks.
func (q *EDFHeap) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Empty reports whether the queue has no tasks.
func (q *EDFHeap) Empty() bool { return q.Len() == 0 }

// SlackHistogram bins every pending task by remaining slack at now.
func (q *EDFHeap) SlackHistogram(now types.Timestamp) [types.SlackBins]uint32 {
	var hist [types.SlackBins]uint32
	q.mu.Lock()
	for _, e := range q.entries {
		hist[binSlack(e.task.SlackTime(now))]++
	}
	q.mu.Unlock()
	return hist
}
