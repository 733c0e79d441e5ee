package predictor

import (
	"github.com/inference-sim/vpmu/branch"
	"github.com/inference-sim/vpmu/bus"
)

// Registers the predictors with the branch stream.
// Importing this package (blank import) makes "one bit" and "two bits"
// available to branch.Simulators.
func init() {
	branch.Simulators.Register("one bit", func() bus.Simulator[branch.Reference, branch.Model, branch.Data] {
		return NewOneBit()
	})
	branch.Simulators.Register("two bits", func() bus.Simulator[branch.Reference, branch.Model, branch.Data] {
		return NewTwoBits()
	})
}
