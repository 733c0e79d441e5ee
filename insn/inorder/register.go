package inorder

import (
	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/insn"
)

// Registers the simulator with the instruction stream as "in order".
func init() {
	insn.Simulators.Register("in order", func() bus.Simulator[insn.Reference, insn.Model, insn.Data] {
		return New()
	})
}
