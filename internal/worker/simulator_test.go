package worker

// ============================================================================
// Worker Simulator Tests
// Purpose: verify service-time scaling by capacity factor, the per-type
// multipliers and the artificial-delay knob.
// ============================================================================

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

func TestSimulatorBaseline(t *testing.T) {
	s := NewSimulator(1.0, 0)
	elapsed := s.Process(types.Get, 200)
	assert.GreaterOrEqual(t, uint64(elapsed), uint64(200_000), "burned less than the hinted time")
	assert.Less(t, uint64(elapsed), uint64(50_000_000), "burned wildly more than hinted")
}

func TestSimulatorCapacityFactorStretches(t *testing.T) {
	fast := NewSimulator(1.0, 0)
	slow := NewSimulator(0.25, 0)

	f := fast.Process(types.Get, 200)
	sl := slow.Process(types.Get, 200)
	// 0.25 capacity quadruples the busy-wait target.
	assert.GreaterOrEqual(t, uint64(sl), uint64(800_000))
	assert.Greater(t, uint64(sl), uint64(f))
}

func TestSimulatorTypeMultipliers(t *testing.T) {
	s := NewSimulator(1.0, 0)
	scan := s.Process(types.Scan, 200)
	assert.GreaterOrEqual(t, uint64(scan), uint64(400_000), "scan is a 2x workload")

	compute := s.Process(types.Compute, 200)
	assert.GreaterOrEqual(t, uint64(compute), uint64(300_000), "compute is a 1.5x workload")

	put := s.Process(types.Put, 200)
	assert.GreaterOrEqual(t, uint64(put), uint64(240_000), "put is a 1.2x workload")
}

func TestSimulatorArtificialDelay(t *testing.T) {
	s := NewSimulator(1.0, 500*time.Microsecond)
	elapsed := s.Process(types.Get, 10)
	assert.GreaterOrEqual(t, uint64(elapsed), uint64(510_000))
}

func TestSimulatorDefaultsBadCapacity(t *testing.T) {
	s := NewSimulator(0, 0)
	elapsed := s.Process(types.Get, 50)
	assert.GreaterOrEqual(t, uint64(elapsed), uint64(50_000))
	assert.Less(t, uint64(elapsed), uint64(10_000_000))
}
