package worker

import (
	"runtime"
	"time"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Type multipliers scale the hinted service time per workload class.
const (
	getMultiplier     = 1.0
	putMultiplier     = 1.2
	scanMultiplier    = 2.0
	computeMultiplier = 1.5
)

// Simulator burns CPU for the adjusted service time of a task. Busy-wait
// keeps the cost on-core like the real computation it stands in for; the
// spin calls runtime.Gosched while more than 50 µs of the wait remain and
// spins hot for the final stretch.
type Simulator struct {
	capacityFactor  float64
	artificialDelay time.Duration
}

// NewSimulator builds a simulator. capacityFactor < 1 stretches every
// service time; artificialDelay adds a fixed stall afterwards (the "slow
// worker" knob).
func NewSimulator(capacityFactor float64, artificialDelay time.Duration) *Simulator {
	if capacityFactor <= 0 {
		capacityFactor = 1
	}
	return &Simulator{capacityFactor: capacityFactor, artificialDelay: artificialDelay}
}

// Process busy-waits for hintUS/capacity adjusted by the type multiplier,
// then the artificial delay, and returns the elapsed time.
func (s *Simulator) Process(t types.RequestType, hintUS uint32) types.Timestamp {
	adjustedUS := float64(hintUS) / s.capacityFactor
	switch t {
	case types.Put:
		adjustedUS *= putMultiplier
	case types.Scan:
		adjustedUS *= scanMultiplier
	case types.Compute:
		adjustedUS *= computeMultiplier
	}

	start := types.NowNS()
	target := start + types.Timestamp(adjustedUS*1000)
	spinUntil(target)

	if s.artificialDelay > 0 {
		spinUntil(types.NowNS() + types.Timestamp(s.artificialDelay.Nanoseconds()))
	}
	return types.NowNS() - start
}

func spinUntil(target types.Timestamp) {
	for types.NowNS() < target {
		// Hybrid spin: stay hot for sub-quantum waits, yield the core on
		// longer ones so co-tenants are not starved on shared hosts.
		if target-types.NowNS() > types.Timestamp(50*time.Microsecond) {
			runtime.Gosched()
		}
	}
}
