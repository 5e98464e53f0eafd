package policy

import (
	"fmt"
	"os"
)

// ScoringOracle is the opaque inference contract behind Malcolm-Strict: it
// receives the flattened state vector and the fixed quantile sample set
// tau and returns, for each worker, the predicted latency quantile at each
// tau (an M-vector per worker, nanoseconds). Training and the network
// architecture live outside this repository; any implementation satisfying
// the contract can be plugged in.
type ScoringOracle interface {
	PredictQuantiles(state []float32, tau []float32, numWorkers int) [][]float32
}

// LoadOracle loads a serialized scoring model. An empty path selects the
// heuristic fallback (nil oracle). A path that does not exist is a
// configuration error; a present file that no runtime here can execute
// degrades to the fallback rather than failing the run.
func LoadOracle(path string) (ScoringOracle, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("policy: model %s: %w", path, err)
	}
	// No embedded inference runtime: the model file is accepted but the
	// heuristic fallback makes the decisions.
	return nil, nil
}
