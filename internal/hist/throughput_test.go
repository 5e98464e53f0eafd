package hist

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// TestThroughputWindowedRate: a closed stream of N records over duration T
// reads back within 20% of N/T once the window has filled.
func TestThroughputWindowedRate(t *testing.T) {
	var now types.Timestamp
	tc := NewThroughputCounterWithClock(func() types.Timestamp { return now })

	// 10k records/sec for 2 s of simulated time: one record every 100 us.
	const step = types.Timestamp(100_000)
	for i := 0; i < 20000; i++ {
		now += step
		tc.Record()
	}

	rps := tc.RPS()
	assert.InDelta(t, 10000.0, rps, 2000.0, "windowed rate off by more than 20%%")
}

// TestThroughputBucketRecycle: advancing the bucket index zeroes the next
// bucket so stale counts age out of the window.
func TestThroughputBucketRecycle(t *testing.T) {
	var now types.Timestamp
	tc := NewThroughputCounterWithClock(func() types.Timestamp { return now })

	// Burst into one bucket.
	for i := 0; i < 1000; i++ {
		tc.Record()
	}
	burst := tc.RPS()
	assert.Greater(t, burst, 0.0)

	// March simulated time one full window forward with a trickle; the
	// burst bucket gets recycled and the rate collapses to the trickle.
	for i := 0; i < ThroughputWindow+2; i++ {
		now += types.Timestamp(ThroughputBucketNS)
		tc.Record()
	}
	assert.Less(t, tc.RPS(), burst/10)
}

func TestThroughputEmpty(t *testing.T) {
	tc := NewThroughputCounter()
	assert.Equal(t, 0.0, tc.RPS())
}
