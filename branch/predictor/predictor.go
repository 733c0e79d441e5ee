// Package predictor implements the reference branch predictors.
package predictor

import (
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/branch"
	"github.com/inference-sim/vpmu/bus"
)

// table is the per-core prediction state of one predictor flavour.
type table interface {
	// predict reports whether the prediction for core was right and trains
	// the entry with the outcome.
	predict(core int, taken bool) bool
}

// Simulator counts correct and wrong predictions of a table.
type Simulator struct {
	title string
	table table
	model branch.Model
	data  branch.Data
	cores int
	out   io.Writer
	log   *logrus.Entry
}

func newSimulator(title string, t table) *Simulator {
	return &Simulator{title: title, table: t}
}

// Build reads "name" and "miss latency".
func (s *Simulator) Build(ctx *bus.BuildContext, model *branch.Model) error {
	name, err := ctx.Config.String("name")
	if err != nil {
		return fmt.Errorf("%s: %w", s.title, err)
	}
	latency, err := ctx.Config.Int("miss latency")
	if err != nil {
		return fmt.Errorf("%s: %w", s.title, err)
	}
	if latency < 0 || uint64(latency) > math.MaxUint32 {
		return fmt.Errorf("%s: miss latency %d out of range", s.title, latency)
	}
	bus.SetName(s.model.Name[:], name)
	s.model.Latency = uint32(latency)
	s.cores = int(ctx.Platform.CPUCores)
	s.out, s.log = ctx.Out, ctx.Log
	*model = s.model
	s.log.Debugf("%s ready, miss latency %d", s.title, latency)
	return nil
}

func (s *Simulator) ProcessPacket(id int, ref branch.Reference, data *branch.Data) {
	switch ref.Type {
	case bus.PacketBarrier, bus.PacketSyncData:
		*data = s.data
	case bus.PacketDumpInfo:
		fmt.Fprintf(s.out, "  [%d] type : %s\n", id, s.title)
		branch.WriteCounters(s.out, s.data, s.cores)
	case bus.PacketReset:
		s.data = branch.Data{}
	case bus.PacketData:
		core := int(ref.Core)
		if s.table.predict(core, ref.Taken != 0) {
			s.data.Correct[core]++
		} else {
			s.data.Wrong[core]++
		}
	default:
		bus.UnexpectedPacket(s.title, ref.Type)
	}
}

func (s *Simulator) Destroy() error { return nil }
