package cache

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/config"
)

// Simulators holds the registered cache simulators.
var Simulators = bus.NewRegistry[Reference, Model, Data]()

// DefaultTopology gives every cache simulator its own process.
const DefaultTopology = bus.MultiProcessTopology

// recentBlocks is the size of the per-core recently touched block filter.
const recentBlocks = 4

// HotCounts tallies references taken through the hot path of one core.
type HotCounts struct {
	ICacheBlocks uint64
	DCacheReads  uint64
	DCacheWrites uint64
}

// hotCore is owned by the producer of one core.
type hotCore struct {
	blocks [recentBlocks]uint64
	valid  [recentBlocks]bool
	next   int
	counts HotCounts
}

// Stream is the cache reference stream.
type Stream struct {
	*bus.Stream[Reference, Model, Data]
	platform bus.Platform
	model    atomic.Pointer[Model]
	hot      [bus.MaxCores]hotCore
}

// NewStream builds an unstarted stream from its configuration section.
func NewStream(cfg *config.StreamConfig, opts bus.Options, sopts bus.StreamOptions) (*Stream, error) {
	s, err := bus.NewConfiguredStream(Kind, DefaultTopology, Simulators, cfg, opts, sopts)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", Kind, err)
	}
	return &Stream{Stream: s}, nil
}

// Build starts the workers and caches the first simulator's model for the
// hot-path block filter.
func (s *Stream) Build(platform bus.Platform) error {
	if err := s.Stream.Build(platform); err != nil {
		return err
	}
	s.platform = platform
	m := s.Model(0)
	s.model.Store(&m)
	return nil
}

func localIndex(proc, core uint8) int {
	if core >= bus.MaxCPUCores || proc >= AllProc {
		logrus.Panicf("%s: processor %d core %d out of range", Kind, proc, core)
	}
	if proc == ProcessorGPU {
		return int(core) + bus.MaxCPUCores
	}
	return int(core)
}

// Send records one reference of size bytes at addr.
func (s *Stream) Send(proc, core uint8, addr uint64, typ bus.PacketType, size uint16) {
	s.Stream.Send(localIndex(proc, core), Reference{Type: typ, Core: core, Processor: proc, Size: size, Addr: addr})
}

// SendHot records a reference from a hot translation block. Instruction
// fetches and data accesses to a recently touched block take the simulators'
// fast path; other data accesses fall back to Send.
func (s *Stream) SendHot(proc, core uint8, addr uint64, typ bus.PacketType, size uint16) {
	idx := localIndex(proc, core)
	h := &s.hot[idx]
	m := s.model.Load()
	if m == nil {
		s.Send(proc, core, addr, typ, size)
		return
	}
	ref := Reference{Type: bus.Hot(typ), Core: core, Processor: proc, Size: size, Addr: addr}
	if typ == PacketInsn {
		bs := uint(m.ILog2BlockSize[L1])
		end := addr + uint64(max(size, 1)) - 1
		h.counts.ICacheBlocks += end>>bs - addr>>bs + 1
		s.Stream.Send(idx, ref)
		return
	}
	if !h.possiblyHit(addr, typ, m) {
		s.Send(proc, core, addr, typ, size)
		return
	}
	if typ == PacketWrite {
		h.counts.DCacheWrites++
	} else {
		h.counts.DCacheReads++
	}
	s.Stream.Send(idx, ref)
}

// possiblyHit reports whether addr falls in one of the recently touched
// blocks, remembering it otherwise.
func (h *hotCore) possiblyHit(addr uint64, typ bus.PacketType, m *Model) bool {
	blk := addr & uint64(int64(m.DLog2BlockSizeMask[L1]))
	for i, b := range h.blocks {
		if h.valid[i] && b == blk {
			return true
		}
	}
	if typ == PacketRead || m.DWriteAlloc[L1] != 0 {
		h.blocks[h.next], h.valid[h.next] = blk, true
		h.next = (h.next + 1) % recentBlocks
	}
	return false
}

// HotCounts returns the hot-path tallies of one producer core. It must be
// called from that core's producer or after producers stopped.
func (s *Stream) HotCounts(proc, core uint8) HotCounts {
	return s.hot[localIndex(proc, core)].counts
}

// CacheCycles returns the cache access cycles of simulator model on core, or
// over every core when core is -1. L1 misses cost the L1 latency, hits one
// cycle; shared levels are charged once.
func (s *Stream) CacheCycles(model, core int) uint64 {
	m, d := s.Model(model), s.Data(model)
	var l1 Counters
	add := func(c Counters) {
		for j := range l1 {
			l1[j] += c[j]
		}
	}
	cores := []int{core}
	if core == -1 {
		cores = cores[:0]
		for i := range min(int(s.platform.CPUCores), bus.MaxCPUCores) {
			cores = append(cores, i)
		}
	}
	for _, c := range cores {
		ic := d.InsnCache[ProcessorCPU][L1][c]
		add(Counters{Reads: ic[Reads], ReadMisses: ic[ReadMisses]})
		add(d.DataCache[ProcessorCPU][L1][c])
	}
	cycles := uint64(m.Latency[L1])*l1.Misses() + l1.Hits()
	for level := L2; level <= min(int(m.Levels), L3); level++ {
		c := d.DataCache[ProcessorCPU][level][0]
		cycles += uint64(m.Latency[level])*c.Misses() + c.Hits()
	}
	return cycles
}

// MemoryTimeNs returns the time simulator model spent in main memory.
func (s *Stream) MemoryTimeNs(model int) uint64 { return s.Data(model).MemoryTimeNs }

// Cycles returns cache cycles plus memory time converted at the platform
// frequency.
func (s *Stream) Cycles(model, core int) uint64 {
	return s.MemoryTimeNs(model)*s.platform.FrequencyMHz/1000 + s.CacheCycles(model, core)
}

// ServeWorker runs one cache simulator inside a worker process.
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
