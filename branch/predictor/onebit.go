package predictor

import "github.com/inference-sim/vpmu/bus"

// oneBit remembers the last outcome per core.
type oneBit struct {
	taken [bus.MaxCPUCores]bool
}

func (t *oneBit) predict(core int, taken bool) bool {
	right := t.taken[core] == taken
	t.taken[core] = taken
	return right
}

// NewOneBit returns a last-outcome predictor.
func NewOneBit() *Simulator { return newSimulator("One Bit Predictor", &oneBit{}) }
