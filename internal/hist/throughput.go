package hist

import (
	"sync/atomic"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

const (
	// ThroughputWindow is the number of sliding-window buckets.
	ThroughputWindow = 10
	// ThroughputBucketNS is the duration one bucket covers.
	ThroughputBucketNS = uint64(100_000_000) // 100 ms
)

// ThroughputCounter computes a sliding-window requests-per-second rate over
// ThroughputWindow buckets of ThroughputBucketNS each. Record hits bucket
// (now/D) mod W; whenever the bucket index advances, the next bucket about
// to be reused is zeroed.
type ThroughputCounter struct {
	buckets    [ThroughputWindow]atomic.Uint64
	lastBucket atomic.Uint64
	now        func() types.Timestamp
}

// NewThroughputCounter uses the real clock.
func NewThroughputCounter() *ThroughputCounter {
	return &ThroughputCounter{now: types.NowNS}
}

// NewThroughputCounterWithClock injects a clock for tests.
func NewThroughputCounterWithClock(now func() types.Timestamp) *ThroughputCounter {
	return &ThroughputCounter{now: now}
}

// Record counts one completion at the current time.
func (t *ThroughputCounter) Record() {
	now := uint64(t.now())
	bucket := (now / ThroughputBucketNS) % ThroughputWindow
	t.buckets[bucket].Add(1)

	if t.lastBucket.Swap(bucket) != bucket {
		next := (bucket + 1) % ThroughputWindow
		t.buckets[next].Store(0)
	}
}

// RPS returns the windowed completion rate. Once the window has filled it
// reads 10-20% low: the bucket after the current one is always zeroed and
// the current one is only partly filled.
func (t *ThroughputCounter) RPS() float64 {
	var total uint64
	for i := range t.buckets {
		total += t.buckets[i].Load()
	}
	windowSec := float64(ThroughputWindow) * float64(ThroughputBucketNS) / 1e9
	return float64(total) / windowSec
}
