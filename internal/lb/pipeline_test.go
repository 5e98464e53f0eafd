package lb

// ============================================================================
// Pipeline Integration Tests
// Purpose: drive client -> LB -> worker -> client over loopback transport
// and verify completion accounting, backpressure, state maintenance,
// pending-table semantics and shutdown determinism.
// ============================================================================

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ricardo3319/Microsec/internal/client"
	"github.com/Ricardo3319/Microsec/internal/wire"
	"github.com/Ricardo3319/Microsec/internal/worker"
	"github.com/Ricardo3319/Microsec/internal/workload"
	"github.com/Ricardo3319/Microsec/pkg/types"
)

func quietLogger() zerolog.Logger {
	return zerolog.Nop()
}

func startWorker(t *testing.T, id uint8, sched types.LocalScheduler) *worker.Context {
	t.Helper()
	w, err := worker.New(worker.Config{
		WorkerID:   id,
		ListenURI:  "127.0.0.1:0",
		NumCompute: 2,
		Scheduler:  sched,
	}, quietLogger())
	require.NoError(t, err)
	go w.Run()
	return w
}

func startLB(t *testing.T, algo types.PolicyKind, workers []string) *Context {
	t.Helper()
	l, err := New(Config{
		ListenURI: "127.0.0.1:0",
		Workers:   workers,
		Algorithm: algo,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, l.Connect())
	go l.Run()
	return l
}

func runClient(t *testing.T, lbAddr string, rps uint64, duration time.Duration, maxInflight int) *client.Context {
	t.Helper()
	wl := workload.DefaultConfig()
	wl.ServiceTimeMinUS = 5
	wl.ParetoAlpha = 2.5 // keep test service times small
	wl.DeadlineMultiplier = 1000
	c, err := client.New(client.Config{
		ClientID:      1,
		ListenURI:     "127.0.0.1:0",
		LBAddr:        lbAddr,
		TargetRPS:     rps,
		Duration:      duration,
		MaxInflight:   maxInflight,
		Workload:      wl,
		GeneratorSeed: 1,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	c.Run()
	return c
}

// TestPipelineEndToEnd: requests complete across all three tiers with
// every policy.
func TestPipelineEndToEnd(t *testing.T) {
	for _, algo := range []types.PolicyKind{types.PolicyPo2, types.PolicyMalcolm, types.PolicyMalcolmStrict} {
		t.Run(string(algo), func(t *testing.T) {
			w0 := startWorker(t, 0, types.SchedFCFS)
			w1 := startWorker(t, 1, types.SchedEDF)
			defer w0.Stop()
			defer w1.Stop()

			l := startLB(t, algo, []string{w0.ListenURI(), w1.ListenURI()})
			defer l.Stop()

			c := runClient(t, l.ListenURI(), 2000, 500*time.Millisecond, client.DefaultMaxInflight)
			defer c.Close()

			assert.Greater(t, c.Completed(), uint64(0), "no requests completed")
			// Backpressure bound: sent never runs ahead of completions by
			// more than the in-flight cap.
			assert.LessOrEqual(t, c.Sent(), c.Completed()+uint64(client.DefaultMaxInflight))
			assert.Greater(t, l.Metrics().TotalRequests(), uint64(0))
		})
	}
}

// TestPipelineZeroInflightCap: kMaxInflight = 0 means no request is ever
// sent.
func TestPipelineZeroInflightCap(t *testing.T) {
	w0 := startWorker(t, 0, types.SchedFCFS)
	defer w0.Stop()
	l := startLB(t, types.PolicyPo2, []string{w0.ListenURI()})
	defer l.Stop()

	c := runClient(t, l.ListenURI(), 1000, 200*time.Millisecond, 0)
	defer c.Close()
	assert.Equal(t, uint64(0), c.Sent())
}

// TestPipelineStateMaintenance: once traffic drains, the response path has
// brought the queue-length estimate back to zero, the worker stays healthy
// and its service-time average has been fed.
func TestPipelineStateMaintenance(t *testing.T) {
	w0 := startWorker(t, 0, types.SchedFCFS)
	defer w0.Stop()
	l := startLB(t, types.PolicyPo2, []string{w0.ListenURI()})
	defer l.Stop()

	c := runClient(t, l.ListenURI(), 5000, 300*time.Millisecond, 32)
	defer c.Close()

	// All traffic drained: queue estimate returns to zero.
	require.Eventually(t, func() bool { return l.PendingCount() == 0 },
		2*time.Second, 10*time.Millisecond)
	states := l.WorkerStatesSnapshot()
	require.Len(t, states, 1)
	assert.Equal(t, uint32(0), states[0].QueueLength)
	assert.True(t, states[0].IsHealthy)
	assert.Greater(t, uint64(states[0].AvgServiceTime), uint64(0))
}

// TestShutdownDeterminism: all loops join promptly and the transport
// buffer pools balance exactly once traffic has drained.
func TestShutdownDeterminism(t *testing.T) {
	w0 := startWorker(t, 0, types.SchedFCFS)
	l := startLB(t, types.PolicyPo2, []string{w0.ListenURI()})

	c := runClient(t, l.ListenURI(), 2000, 300*time.Millisecond, 16)

	require.Eventually(t, func() bool { return l.PendingCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		l.Stop()
		w0.Stop()
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete within 2s")
	}

	// Exact alloc/free match on the pools once drained.
	assert.Equal(t, int64(0), l.ep.Pool().Outstanding(), "lb pool leaked")
	assert.Equal(t, int64(0), w0.BufferOutstanding(), "worker pool leaked")

	// Stop is idempotent.
	l.Stop()
	w0.Stop()
}

// TestPendingTableSingleRemoval: a record is removed exactly once; the
// duplicate take is the orphan path.
func TestPendingTableSingleRemoval(t *testing.T) {
	w0 := startWorker(t, 0, types.SchedFCFS)
	defer w0.Stop()
	l := startLB(t, types.PolicyPo2, []string{w0.ListenURI()})
	defer l.Stop()

	l.pendingMu.Lock()
	l.pending[77] = types.PendingRequest{RequestID: 77, TargetWorker: 0}
	l.pendingMu.Unlock()

	_, ok := l.takePending(77)
	assert.True(t, ok)
	_, ok = l.takePending(77)
	assert.False(t, ok, "duplicate removal must fail")
	assert.Equal(t, 0, l.PendingCount())
}

// TestApplyStateUpdate: the plumbed Worker->LB state path folds a
// snapshot, slack histogram included, into the state vector.
func TestApplyStateUpdate(t *testing.T) {
	w0 := startWorker(t, 0, types.SchedFCFS)
	defer w0.Stop()
	l := startLB(t, types.PolicyPo2, []string{w0.ListenURI()})
	defer l.Stop()

	upd := wire.StateUpdate{
		QueueLength: 12,
		LoadEMA:     2.25,
		WorkerID:    0,
		IsHealthy:   1,
	}
	upd.SlackHistogram[0] = 3
	upd.SlackHistogram[31] = 9
	l.ApplyStateUpdate(&upd)

	states := l.WorkerStatesSnapshot()
	assert.Equal(t, uint32(12), states[0].QueueLength)
	assert.InDelta(t, 2.25, states[0].LoadEMA, 1e-6)
	assert.Equal(t, uint32(3), states[0].SlackHistogram[0])
	assert.Equal(t, uint32(9), states[0].SlackHistogram[31])

	// Out-of-range worker ids are ignored.
	l.ApplyStateUpdate(&wire.StateUpdate{WorkerID: 200})
}

// TestWorkerStateSnapshotWire: the worker's own snapshot round-trips
// through the wire codec.
func TestWorkerStateSnapshotWire(t *testing.T) {
	w0 := startWorker(t, 3, types.SchedEDF)
	defer w0.Stop()

	snap := w0.StateSnapshot()
	assert.Equal(t, uint8(3), snap.WorkerID)
	assert.Equal(t, uint8(1), snap.IsHealthy)

	buf := make([]byte, wire.StateUpdateSize)
	require.NoError(t, snap.Encode(buf))
	var decoded wire.StateUpdate
	require.NoError(t, decoded.Decode(buf))
	assert.Equal(t, snap, decoded)
}
