package policy

// ============================================================================
// Dispatch Policy Tests
// Purpose: verify Power-of-2 determinism and tie-breaks, the Malcolm
// variance-optimality property, and Malcolm-Strict's CVaR arithmetic,
// barrier branches, tau layout and degenerate-input behaviour.
// ============================================================================

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

func fleet(loads ...float64) []types.WorkerState {
	states := make([]types.WorkerState, len(loads))
	for i, l := range loads {
		states[i] = types.WorkerState{
			WorkerID:       uint8(i),
			IsHealthy:      true,
			CapacityFactor: 1.0,
			LoadEMA:        l,
		}
	}
	return states
}

func testRequest(now types.Timestamp) *types.Request {
	return &types.Request{
		RequestID:         1,
		ClientSendTime:    now,
		Deadline:          now + types.MSToNS(10),
		ServiceTimeHintUS: 50,
		Type:              types.Get,
		PayloadSize:       128,
	}
}

// ============================================================================
// Power-of-2
// ============================================================================

// TestPo2Deterministic: identical PRNG state and loads yield identical
// decisions.
func TestPo2Deterministic(t *testing.T) {
	states := fleet(0.5, 0.1, 0.9, 0.3, 0.7)
	req := testRequest(types.NowNS())

	a := NewPo2(2, 1234)
	b := NewPo2(2, 1234)
	for i := 0; i < 1000; i++ {
		da := a.Schedule(req, states)
		db := b.Schedule(req, states)
		assert.Equal(t, da.TargetWorkerID, db.TargetWorkerID, "draw %d", i)
	}
}

// TestPo2PicksLighterCandidate: with k equal to the fleet size every
// worker is a candidate, so the global minimum must win.
func TestPo2PicksLighterCandidate(t *testing.T) {
	states := fleet(0.9, 0.2, 0.8)
	p := NewPo2(3, 7)
	d := p.Schedule(testRequest(types.NowNS()), states)
	assert.Equal(t, uint8(1), d.TargetWorkerID)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
}

// TestPo2TieBreaksBySmallerID.
func TestPo2TieBreaksBySmallerID(t *testing.T) {
	states := fleet(0.4, 0.4, 0.4)
	p := NewPo2(3, 7)
	for i := 0; i < 100; i++ {
		d := p.Schedule(testRequest(types.NowNS()), states)
		assert.Equal(t, uint8(0), d.TargetWorkerID)
	}
}

// TestPo2SkipsUnhealthy: candidates are drawn from healthy workers only.
func TestPo2SkipsUnhealthy(t *testing.T) {
	states := fleet(0.1, 0.2, 0.3)
	states[0].IsHealthy = false
	p := NewPo2(2, 42)
	for i := 0; i < 200; i++ {
		d := p.Schedule(testRequest(types.NowNS()), states)
		assert.NotEqual(t, uint8(0), d.TargetWorkerID)
	}
}

func TestPo2ConfidenceBounds(t *testing.T) {
	states := fleet(5.0) // load EMA above 1 clamps confidence at 0
	p := NewPo2(2, 1)
	d := p.Schedule(testRequest(types.NowNS()), states)
	assert.GreaterOrEqual(t, d.Confidence, 0.0)
	assert.LessOrEqual(t, d.Confidence, 1.0)
}

// ============================================================================
// Original Malcolm
// ============================================================================

// TestMalcolmVarianceOptimality: the chosen worker minimises the
// post-assignment load variance over all healthy choices.
func TestMalcolmVarianceOptimality(t *testing.T) {
	cases := [][]float64{
		{1, 1, 1, 1},
		{0.1, 2.5, 0.7, 1.9, 0.3},
		{10, 0, 5, 5},
		{3.3, 3.3, 3.3},
	}
	m := NewMalcolm()
	for _, loads := range cases {
		states := fleet(loads...)
		d := m.Schedule(testRequest(types.NowNS()), states)

		chosenVar := varianceAfterIncrement(loads, int(d.TargetWorkerID))
		for j := range loads {
			assert.LessOrEqual(t, chosenVar, varianceAfterIncrement(loads, j)+1e-12,
				"loads %v: worker %d beats chosen %d", loads, j, d.TargetWorkerID)
		}
	}
}

// TestMalcolmPrefersLeastLoaded: with one clear minimum the equilibrium
// move is the least-loaded worker.
func TestMalcolmPrefersLeastLoaded(t *testing.T) {
	m := NewMalcolm()
	d := m.Schedule(testRequest(types.NowNS()), fleet(2.0, 0.1, 1.5))
	assert.Equal(t, uint8(1), d.TargetWorkerID)
}

// TestMalcolmConfidenceBalanced: a balanced fleet gives exp(0)=1, an
// imbalanced one strictly less.
func TestMalcolmConfidenceBalanced(t *testing.T) {
	m := NewMalcolm()
	balanced := m.Schedule(testRequest(types.NowNS()), fleet(1, 1, 1))
	assert.InDelta(t, 1.0, balanced.Confidence, 1e-9)

	skewed := m.Schedule(testRequest(types.NowNS()), fleet(0, 4, 0))
	assert.Less(t, skewed.Confidence, 1.0)
}

func TestMalcolmSkipsUnhealthy(t *testing.T) {
	states := fleet(0.0, 5.0)
	states[0].IsHealthy = false
	m := NewMalcolm()
	d := m.Schedule(testRequest(types.NowNS()), states)
	assert.Equal(t, uint8(1), d.TargetWorkerID)
}

func varianceAfterIncrement(loads []float64, idx int) float64 {
	after := append([]float64(nil), loads...)
	after[idx]++
	var mean float64
	for _, l := range after {
		mean += l
	}
	mean /= float64(len(after))
	var v float64
	for _, l := range after {
		v += (l - mean) * (l - mean)
	}
	return v / float64(len(after))
}

// ============================================================================
// Malcolm-Strict
// ============================================================================

// TestTauTailOversampling: M=32 samples, the first 80% below 0.9, the
// tail spread across (0.9, 1.0), all strictly increasing within regions.
func TestTauTailOversampling(t *testing.T) {
	s := NewMalcolmStrict(nil, DefaultCVaRAlpha)
	tau := s.Tau()
	require.Len(t, tau, NumQuantileSamples)

	n := NumQuantileSamples
	body := int(0.8 * float64(n))
	for i := 0; i < body; i++ {
		assert.Greater(t, tau[i], float32(0))
		assert.Less(t, tau[i], float32(0.9))
	}
	for i := body; i < NumQuantileSamples; i++ {
		assert.GreaterOrEqual(t, tau[i], float32(0.9))
		assert.Less(t, tau[i], float32(1.0))
	}
	for i := 1; i < NumQuantileSamples; i++ {
		assert.Greater(t, tau[i], tau[i-1], "tau not increasing at %d", i)
	}
}

// TestCVaRFromQuantiles: VaR is the floor(alpha*M) order statistic and
// CVaR averages the tail at or above it.
func TestCVaRFromQuantiles(t *testing.T) {
	q := make([]float32, 10)
	for i := range q {
		q[i] = float32(i + 1) // 1..10
	}
	est := CVaRFromQuantiles(q, 0.8)
	assert.InDelta(t, 5.5, est.Mean, 1e-6)
	assert.InDelta(t, 9.0, est.VaR, 1e-6) // index 8 of the sorted values
	assert.InDelta(t, 9.5, est.CVaR, 1e-6)

	// CVaR never drops below VaR.
	assert.GreaterOrEqual(t, est.CVaR, est.VaR)

	empty := CVaRFromQuantiles(nil, 0.95)
	assert.Equal(t, 0.0, empty.CVaR)
}

// TestDeadlinePenaltyBranches: expired, barrier, warning band, safe.
func TestDeadlinePenaltyBranches(t *testing.T) {
	cvar := 1_000_000.0 // 1 ms predicted tail

	assert.Equal(t, 1e9, DeadlinePenalty(cvar, 0))
	assert.Equal(t, 1e9, DeadlinePenalty(cvar, -5))

	// r <= 1: steep logarithmic wall, larger for smaller slack.
	p1 := DeadlinePenalty(cvar, types.Duration(cvar/2))
	p2 := DeadlinePenalty(cvar, types.Duration(cvar*0.9))
	assert.Greater(t, p1, p2)
	assert.Greater(t, p2, 0.0)

	// 1 < r <= 2: linear warning band.
	warn := DeadlinePenalty(cvar, types.Duration(cvar*1.5))
	assert.InDelta(t, 500, warn, 1)

	// r > 2: free.
	assert.Equal(t, 0.0, DeadlinePenalty(cvar, types.Duration(cvar*3)))
}

// TestStrictHeuristicDeterministic: identical snapshots produce identical
// decisions.
func TestStrictHeuristicDeterministic(t *testing.T) {
	s := NewMalcolmStrict(nil, DefaultCVaRAlpha)
	states := fleet(0.3, 0.6, 0.1)
	states[1].QueueLength = 4
	states[2].P99Latency = types.MSToNS(2)
	req := testRequest(types.NowNS())

	first := s.Schedule(req, states)
	for i := 0; i < 100; i++ {
		d := s.Schedule(req, states)
		assert.Equal(t, first.TargetWorkerID, d.TargetWorkerID)
	}
}

// TestStrictAvoidsRiskyWorker: queue depth, urgent backlog and capacity
// all push risk up.
func TestStrictAvoidsRiskyWorker(t *testing.T) {
	s := NewMalcolmStrict(nil, DefaultCVaRAlpha)
	now := types.NowNS()
	req := testRequest(now)

	states := fleet(0, 0)
	states[0].QueueLength = 50
	states[0].SlackHistogram[1] = 30 // urgent backlog
	states[0].CapacityFactor = 0.2
	states[1].CapacityFactor = 1.0

	d := s.Schedule(req, states)
	assert.Equal(t, uint8(1), d.TargetWorkerID)
}

// TestStrictAllExpired: when every worker implies a blown deadline the
// policy still returns an existing worker with confidence in [0, 1].
func TestStrictAllExpired(t *testing.T) {
	s := NewMalcolmStrict(nil, DefaultCVaRAlpha)
	now := types.NowNS()
	req := testRequest(now)
	req.Deadline = now - types.MSToNS(1) // already expired

	states := fleet(0.5, 0.5, 0.5)
	d := s.Schedule(req, states)
	assert.Less(t, int(d.TargetWorkerID), len(states))
	assert.GreaterOrEqual(t, d.Confidence, 0.0)
	assert.LessOrEqual(t, d.Confidence, 1.0)
}

func TestStrictAllUnhealthyStillChooses(t *testing.T) {
	s := NewMalcolmStrict(nil, DefaultCVaRAlpha)
	states := fleet(0.5, 0.5)
	states[0].IsHealthy = false
	states[1].IsHealthy = false
	d := s.Schedule(testRequest(types.NowNS()), states)
	assert.Less(t, int(d.TargetWorkerID), len(states))
	assert.GreaterOrEqual(t, d.Confidence, 0.0)
	assert.LessOrEqual(t, d.Confidence, 1.0)
}

// fakeOracle predicts a constant latency per worker.
type fakeOracle struct {
	latencies []float32
}

func (f *fakeOracle) PredictQuantiles(state, tau []float32, numWorkers int) [][]float32 {
	out := make([][]float32, numWorkers)
	for w := 0; w < numWorkers; w++ {
		qs := make([]float32, len(tau))
		for i := range tau {
			qs[i] = f.latencies[w] * (1 + tau[i]) // increasing in tau
		}
		out[w] = qs
	}
	return out
}

// TestStrictOraclePath: with a model the policy routes to the worker with
// the smallest CVaR-plus-penalty.
func TestStrictOraclePath(t *testing.T) {
	oracle := &fakeOracle{latencies: []float32{5_000_000, 50_000, 2_000_000}}
	s := NewMalcolmStrict(oracle, DefaultCVaRAlpha)

	now := types.NowNS()
	req := testRequest(now)
	req.Deadline = now + types.MSToNS(100)

	d := s.Schedule(req, states3())
	assert.Equal(t, uint8(1), d.TargetWorkerID)
	assert.Greater(t, d.Confidence, 0.0)
}

// TestStrictFeedbackConcurrentSafe: the completion hook may race with
// Schedule.
func TestStrictFeedbackConcurrentSafe(t *testing.T) {
	s := NewMalcolmStrict(nil, DefaultCVaRAlpha)
	states := fleet(0.1, 0.2)
	req := testRequest(types.NowNS())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			s.OnRequestComplete(&types.Trace{RequestID: uint64(i)})
		}
	}()
	for i := 0; i < 10000; i++ {
		s.Schedule(req, states)
	}
	<-done
}

// TestStateVectorLayout: 4 request features then 7+32 per worker.
func TestStateVectorLayout(t *testing.T) {
	states := fleet(0.25, 0.5)
	states[0].SlackHistogram[3] = 200
	now := types.NowNS()
	req := testRequest(now)

	vec := BuildStateVector(req, states, now)
	require.Len(t, vec, 4+2*(7+types.SlackBins))

	assert.InDelta(t, float64(req.PayloadSize)/1000.0, float64(vec[1]), 1e-6)
	assert.InDelta(t, 0.5, float64(vec[2]), 1e-6)
	// Worker 0's load EMA is the first per-worker feature.
	assert.InDelta(t, 0.25, float64(vec[4]), 1e-6)
	// Slack histogram scaled by 1/100.
	assert.InDelta(t, 2.0, float64(vec[4+7+3]), 1e-6)
}

func TestPolicyFactory(t *testing.T) {
	for _, kind := range []types.PolicyKind{types.PolicyPo2, types.PolicyMalcolm, types.PolicyMalcolmStrict} {
		p, err := New(kind, Options{Seed: 1})
		require.NoError(t, err)
		require.NotNil(t, p)
	}
	_, err := New(types.PolicyKind("bogus"), Options{})
	assert.Error(t, err)

	_, err = New(types.PolicyMalcolmStrict, Options{ModelPath: "/nonexistent/model.pt"})
	assert.Error(t, err)
}

// TestDecisionLatencyRecorded: every policy stamps a decision time.
func TestDecisionLatencyRecorded(t *testing.T) {
	states := fleet(0.1, 0.2, 0.3)
	req := testRequest(types.NowNS())
	for _, p := range []Policy{NewPo2(2, 1), NewMalcolm(), NewMalcolmStrict(nil, DefaultCVaRAlpha)} {
		d := p.Schedule(req, states)
		assert.Less(t, uint64(d.DecisionTime), uint64(math.MaxUint32), "%s decision time implausible", p.Name())
	}
}

func states3() []types.WorkerState {
	return fleet(0.1, 0.1, 0.1)
}
