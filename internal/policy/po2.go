package policy

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Po2 is the Power-of-k Choices baseline: draw k candidates uniformly
// without replacement from the healthy workers and pick the one with the
// smallest load EMA, ties to the smaller id. O(k) per decision.
type Po2 struct {
	k   int
	rng *rand.Rand
}

// NewPo2 builds a Power-of-k policy. The canonical k is 2.
func NewPo2(k int, seed uint64) *Po2 {
	if k < 1 {
		k = 1
	}
	return &Po2{k: k, rng: rand.New(rand.NewSource(seed))}
}

func (p *Po2) Name() string { return fmt.Sprintf("power-of-%d", p.k) }

// Schedule picks the least-loaded of k random healthy candidates. Given a
// fixed PRNG state and loads the output is deterministic.
func (p *Po2) Schedule(req *types.Request, states []types.WorkerState) types.Decision {
	start := types.NowNS()

	healthy := make([]int, 0, len(states))
	for i := range states {
		if states[i].IsHealthy {
			healthy = append(healthy, i)
		}
	}
	if len(healthy) == 0 {
		return types.Decision{TargetWorkerID: 0, Confidence: 0, DecisionTime: types.NowNS() - start}
	}

	k := p.k
	if k > len(healthy) {
		k = len(healthy)
	}
	// Partial Fisher-Yates over the healthy index list draws k candidates
	// without replacement.
	for i := 0; i < k; i++ {
		j := i + p.rng.Intn(len(healthy)-i)
		healthy[i], healthy[j] = healthy[j], healthy[i]
	}

	best := healthy[0]
	for _, idx := range healthy[1:k] {
		if states[idx].LoadEMA < states[best].LoadEMA ||
			(states[idx].LoadEMA == states[best].LoadEMA && states[idx].WorkerID < states[best].WorkerID) {
			best = idx
		}
	}

	conf := 1.0 - states[best].LoadEMA
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return types.Decision{
		TargetWorkerID: states[best].WorkerID,
		Confidence:     conf,
		DecisionTime:   types.NowNS() - start,
	}
}

// OnRequestComplete is ignored; Po2 is stateless beyond its PRNG.
func (p *Po2) OnRequestComplete(tr *types.Trace) {}
