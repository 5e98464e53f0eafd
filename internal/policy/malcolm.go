package policy

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Malcolm is the original Nash-equilibrium dispatcher: it routes each
// request to the worker whose incremented load least increases the
// fleet-wide load variance. Under heavy-tailed service times this chases
// mean-load equality while tail latency diverges; it is the variance-trap
// baseline the experiment is written to beat.
type Malcolm struct{}

// NewMalcolm builds the variance-minimising policy.
func NewMalcolm() *Malcolm {
	return &Malcolm{}
}

func (m *Malcolm) Name() string { return "malcolm" }

// Schedule picks argmin over healthy workers of the marginal
// squared-deviation change Delta_i = (L_i+1-mu)^2 - (L_i-mu)^2.
func (m *Malcolm) Schedule(req *types.Request, states []types.WorkerState) types.Decision {
	start := types.NowNS()

	loads := make([]float64, len(states))
	for i := range states {
		loads[i] = states[i].LoadEMA
	}
	mu := stat.Mean(loads, nil)

	best := -1
	bestDelta := math.Inf(1)
	for i := range states {
		if !states[i].IsHealthy {
			continue
		}
		l := loads[i]
		delta := (l+1-mu)*(l+1-mu) - (l-mu)*(l-mu)
		if delta < bestDelta {
			bestDelta = delta
			best = i
		}
	}
	if best < 0 {
		return types.Decision{TargetWorkerID: 0, Confidence: 0, DecisionTime: types.NowNS() - start}
	}

	// Population variance of the current loads; an already balanced fleet
	// makes the equilibrium move high-confidence.
	variance := stat.Variance(loads, nil) * float64(len(loads)-1) / float64(len(loads))
	if len(loads) < 2 || math.IsNaN(variance) {
		variance = 0
	}
	return types.Decision{
		TargetWorkerID: states[best].WorkerID,
		Confidence:     math.Exp(-variance),
		DecisionTime:   types.NowNS() - start,
	}
}

// OnRequestComplete is ignored; the equilibrium uses only the live loads.
func (m *Malcolm) OnRequestComplete(tr *types.Trace) {}
