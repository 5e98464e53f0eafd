package queue

import (
	"sync"
	"sync/atomic"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

const (
	// WheelBuckets is the wheel size; must be a power of two.
	WheelBuckets = 1024
	// WheelBucketWidthNS maps deadlines to wheel slots.
	WheelBucketWidthNS = uint64(1000) // 1 us per slot
	// wheelScanSpan is how many slots behind the current tick
	// TryGetUrgent examines.
	wheelScanSpan = WheelBuckets / 8
)

// TimingWheel is the high-throughput approximate-EDF queue: O(1) insert
// into per-slot buckets with small per-bucket mutexes, and a bounded scan
// on pop. Within the scan window it returns the minimum-deadline task of
// the first non-empty bucket, trading exact EDF order for reduced
// contention.
type TimingWheel struct {
	buckets [WheelBuckets]wheelBucket
	size    atomic.Int64
	now     func() types.Timestamp
}

type wheelBucket struct {
	mu    sync.Mutex
	tasks []*types.Task
}

// NewTimingWheel builds a wheel on the real clock.
func NewTimingWheel() *TimingWheel {
	return &TimingWheel{now: types.NowNS}
}

// NewTimingWheelWithClock injects a clock for tests.
func NewTimingWheelWithClock(now func() types.Timestamp) *TimingWheel {
	return &TimingWheel{now: now}
}

// Push inserts a task at slot floor(deadline/W) mod N.
func (w *TimingWheel) Push(t *types.Task) {
	idx := (uint64(t.Deadline) / WheelBucketWidthNS) & (WheelBuckets - 1)
	b := &w.buckets[idx]
	b.mu.Lock()
	b.tasks = append(b.tasks, t)
	b.mu.Unlock()
	w.size.Add(1)
}

// TryPop returns the most urgent task near the current tick.
func (w *TimingWheel) TryPop() (*types.Task, bool) {
	return w.TryGetUrgent(w.now())
}

// TryGetUrgent scans the current tick bucket and the preceding N/8 slots,
// returning the minimum-deadline task of the first non-empty bucket.
func (w *TimingWheel) TryGetUrgent(now types.Timestamp) (*types.Task, bool) {
	current := (uint64(now) / WheelBucketWidthNS) & (WheelBuckets - 1)
	for offset := uint64(0); offset <= wheelScanSpan; offset++ {
		idx := (current - offset + WheelBuckets) & (WheelBuckets - 1)
		b := &w.buckets[idx]
		b.mu.Lock()
		if len(b.tasks) == 0 {
			b.mu.Unlock()
			continue
		}
		min := 0
		for i := 1; i < len(b.tasks); i++ {
			if b.tasks[i].Deadline < b.tasks[min].Deadline {
				min = i
			}
		}
		t := b.tasks[min]
		last := len(b.tasks) - 1
		b.tasks[min] = b.tasks[last]
		b.tasks[last] = nil
		b.tasks = b.tasks[:last]
		b.mu.Unlock()
		w.size.Add(-1)
		return t, true
	}
	return nil, false
}

// Len returns the total number of queued tasks.
func (w *TimingWheel) Len() int {
	return int(w.size.Load())
}

// Empty reports whether the wheel holds no tasks.
func (w *TimingWheel) Empty() bool { return w.Len() == 0 }

// SlackHistogram bins every pending task by remaining slack at now.
func (w *TimingWheel) SlackHistogram(now types.Timestamp) [types.SlackBins]uint32 {
	var hist [types.SlackBins]uint32
	for i := range w.buckets {
		b := &w.buckets[i]
		b.mu.Lock()
		for _, t := range b.tasks {
			hist[binSlack(t.SlackTime(now))]++
		}
		b.mu.Unlock()
	}
	return hist
}
