package predictor

import "github.com/inference-sim/vpmu/bus"

// twoBit keeps a saturating counter in [0,3] per core; values >= 2 predict
// taken.
type twoBit struct {
	entry [bus.MaxCPUCores]uint8
}

func (t *twoBit) predict(core int, taken bool) bool {
	e := &t.entry[core]
	right := (*e >= 2) == taken
	switch {
	case taken && *e < 3:
		*e++
	case !taken && *e > 0:
		*e--
	}
	return right
}

// NewTwoBits returns a saturating two-bit counter predictor.
func NewTwoBits() *Simulator { return newSimulator("Two Bits Predictor", &twoBit{}) }
