// Package inorder implements an in-order pipeline instruction timing model.
package inorder

import (
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/insn"
)

const title = "In Order CPU"

// Simulator charges each block its static cycle estimate, or Insns times a
// fixed CPI when the block has none, plus per-access memory penalties.
type Simulator struct {
	model        insn.Model
	data         insn.Data
	cpi          float64
	dualIssue    bool
	loadPenalty  uint64
	storePenalty uint64
	cores        int
	out          io.Writer
	log          *logrus.Entry
}

func New() *Simulator { return &Simulator{} }

// Build reads "name" and the optional "frequency" (MHz, defaults to the
// platform clock), "cycles per insn", "dual issue", "load penalty" and
// "store penalty" keys.
func (s *Simulator) Build(ctx *bus.BuildContext, model *insn.Model) error {
	cfg := ctx.Config
	name, err := cfg.String("name")
	if err != nil {
		return fmt.Errorf("inorder: %w", err)
	}
	freq, err := cfg.IntOr("frequency", int(ctx.Platform.FrequencyMHz))
	if err != nil {
		return fmt.Errorf("inorder: %w", err)
	}
	if freq <= 0 {
		return fmt.Errorf("inorder: frequency must be > 0, got %d", freq)
	}
	if s.cpi, err = cfg.FloatOr("cycles per insn", 1); err != nil {
		return fmt.Errorf("inorder: %w", err)
	}
	if s.cpi <= 0 || math.IsInf(s.cpi, 0) || math.IsNaN(s.cpi) {
		return fmt.Errorf("inorder: cycles per insn must be a positive number, got %v", s.cpi)
	}
	if s.dualIssue, err = cfg.BoolOr("dual issue", false); err != nil {
		return fmt.Errorf("inorder: %w", err)
	}
	load, err := cfg.IntOr("load penalty", 0)
	if err != nil {
		return fmt.Errorf("inorder: %w", err)
	}
	store, err := cfg.IntOr("store penalty", 0)
	if err != nil {
		return fmt.Errorf("inorder: %w", err)
	}
	if load < 0 || store < 0 {
		return fmt.Errorf("inorder: penalties must be >= 0, got load %d store %d", load, store)
	}
	s.loadPenalty, s.storePenalty = uint64(load), uint64(store)

	bus.SetName(s.model.Name[:], name)
	s.model.FrequencyMHz = uint64(freq)
	if s.dualIssue {
		s.model.DualIssue = 1
	}
	s.cores = int(ctx.Platform.CPUCores)
	s.out, s.log = ctx.Out, ctx.Log
	*model = s.model
	return nil
}

// blockCycles is the cost of one execution of b.
func (s *Simulator) blockCycles(b insn.Block) uint64 {
	base := uint64(b.Cycles)
	if base == 0 {
		base = uint64(math.Ceil(float64(b.Insns) * s.cpi))
	}
	if s.dualIssue {
		base = (base + 1) / 2
	}
	return base + uint64(b.Loads)*s.loadPenalty + uint64(b.Stores)*s.storePenalty
}

func (s *Simulator) ProcessPacket(id int, ref insn.Reference, data *insn.Data) {
	switch ref.Type {
	case bus.PacketBarrier, bus.PacketSyncData:
		*data = s.data
	case bus.PacketDumpInfo:
		fmt.Fprintf(s.out, "  [%d] type : %s\n", id, title)
		insn.WriteCounters(s.out, s.data, s.cores)
	case bus.PacketReset:
		s.data = insn.Data{}
	case bus.PacketData:
		c, core, b := s.data.Mode(ref.Mode), ref.Core, ref.Block
		c.Cycles[core] += s.blockCycles(b)
		c.TotalInsn[core] += uint64(b.Insns)
		c.Load[core] += uint64(b.Loads)
		c.Store[core] += uint64(b.Stores)
		c.Branch[core] += uint64(b.Branches)
	default:
		bus.UnexpectedPacket(title, ref.Type)
	}
}

func (s *Simulator) Destroy() error { return nil }
