// Package policy implements the load balancer's dispatch policies:
// Power-of-2 Choices, the original Malcolm load-variance minimiser, and
// Malcolm-Strict, the distributional CVaR scheduler the experiment is
// about.
//
// All policies share one contract: Schedule consumes a request and a
// consistent snapshot of the worker-state vector (taken by the caller
// under the LB state lock) and returns a Decision in time bounded
// independently of the in-flight request count. OnRequestComplete is a
// feedback hook that must be safe to invoke concurrently with Schedule;
// implementations that learn serialise internally.
package policy

import (
	"fmt"

	"github.com/Ricardo3319/Microsec/pkg/types"
)

// Policy is the dispatch-policy contract.
type Policy interface {
	Name() string
	Schedule(req *types.Request, states []types.WorkerState) types.Decision
	OnRequestComplete(tr *types.Trace)
}

// Options parametrise policy construction.
type Options struct {
	// ModelPath points at a serialized scoring model for Malcolm-Strict;
	// empty, or a present file no runtime here can execute, falls back to
	// the deterministic heuristic. A path that does not exist is an error.
	ModelPath string
	// Seed drives the Po2 candidate draws.
	Seed uint64
}

// New builds the policy selected by kind.
func New(kind types.PolicyKind, opts Options) (Policy, error) {
	switch kind {
	case types.PolicyPo2:
		return NewPo2(2, opts.Seed), nil
	case types.PolicyMalcolm:
		return NewMalcolm(), nil
	case types.PolicyMalcolmStrict:
		oracle, err := LoadOracle(opts.ModelPath)
		if err != nil {
			return nil, err
		}
		return NewMalcolmStrict(oracle, DefaultCVaRAlpha), nil
	}
	return nil, fmt.Errorf("policy: unknown kind %q", kind)
}
