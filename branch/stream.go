package branch

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/config"
)

// Simulators holds the registered branch predictors.
var Simulators = bus.NewRegistry[Reference, Model, Data]()

// DefaultTopology runs every predictor on its own thread.
const DefaultTopology = bus.MultiWorkerTopology

// Stream is the branch event stream.
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

// Send records the branch at pc on core.
func (s *Stream) Send(core uint8, pc uint64, taken bool) {
	if core >= bus.MaxCPUCores {
		logrus.Panicf("%s: core %d out of range [0,%d)", Kind, core, bus.MaxCPUCores)
	}
	r := Reference{Type: bus.PacketData, Core: core, PC: pc}
	if taken {
		r.Taken = 1
	}
	s.Stream.Send(int(core), r)
}

// Cycles returns the misprediction penalty of predictor model on core, or over
// every core when core is -1.
func (s *Stream) Cycles(model, core int) uint64 {
	m, d := s.Model(model), s.Data(model)
	if core == -1 {
		_, wrong := d.Totals(bus.MaxCPUCores)
		return wrong * uint64(m.Latency)
	}
	return d.Wrong[core] * uint64(m.Latency)
}

// ServeWorker runs one branch predictor inside a worker process.
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
