package insn

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/config"
)

// Simulators holds the registered instruction simulators.
var Simulators = bus.NewRegistry[Reference, Model, Data]()

// DefaultTopology keeps instruction timing on one worker thread.
const DefaultTopology = bus.SingleWorkerTopology

// Stream is the instruction stream.
type Stream struct {
	*bus.Stream[Reference, Model, Data]
}

// NewStream builds an unstarted stream from its configuration section.
func NewStream(cfg *config.StreamConfig, opts bus.Options, sopts bus.StreamOptions) (*Stream, error) {
	s, err := bus.NewConfiguredStream(Kind, DefaultTopology, Simulators, cfg, opts, sopts)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", Kind, err)
	}
	return &Stream{s}, nil
}

// Send records one executed block on core in mode.
func (s *Stream) Send(core, mode uint8, block Block) {
	if core >= bus.MaxCPUCores {
		logrus.Panicf("%s: core %d out of range [0,%d)", Kind, core, bus.MaxCPUCores)
	}
	s.Stream.Send(int(core), Reference{Type: bus.PacketData, Core: core, Mode: mode, Block: block})
}

// InsnCount returns the instructions simulator model counted on core, or over
// every core when core is -1.
func (s *Stream) InsnCount(model, core int) uint64 {
	d := s.Data(model)
	if core == -1 {
		return d.SumAll(bus.MaxCPUCores).TotalInsn
	}
	return d.SumAllMode().TotalInsn[core]
}

// Cycles returns the cycles simulator model counted on core, or over every
// core when core is -1.
func (s *Stream) Cycles(model, core int) uint64 {
	d := s.Data(model)
	if core == -1 {
		return d.SumAll(bus.MaxCPUCores).Cycles
	}
	return d.SumAllMode().Cycles[core]
}

// ServeWorker runs one instruction simulator inside a worker process.
func ServeWorker(ctx context.Context, segment string, id int, doc config.Document, out io.Writer) error {
	specs, err := Simulators.Specs([]config.Document{doc})
	if err != nil {
		return err
	}
	return bus.ServeWorker(ctx, bus.WorkerRequest[Reference, Model, Data]{
		Segment:  segment,
		WorkerID: id,
		Spec:     specs[0],
		Out:      out,
	})
}
