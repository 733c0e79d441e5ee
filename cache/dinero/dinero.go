// Package dinero implements a multi-level cache simulator: private L1
// instruction and data caches per core, unified shared levels below them and
// a fixed main memory latency.
package dinero

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/cache"
	"github.com/inference-sim/vpmu/config"
)

const (
	title = "Dinero Cache"
	// DefaultMemoryLatency is the main memory access time in ns.
	DefaultMemoryLatency = 100
)

// Simulator counts hits and misses per level.
type Simulator struct {
	model  cache.Model
	data   cache.Data
	levels int
	memNs  uint64
	cores  int

	l1i    [cache.AllProc][bus.MaxCPUCores]*level
	l1d    [cache.AllProc][bus.MaxCPUCores]*level
	shared [cache.AllProc][cache.MaxLevel]*level

	out io.Writer
	log *logrus.Entry
}

func New() *Simulator { return &Simulator{} }

var levelKeys = [cache.MaxLevel]string{cache.L2: "l2", cache.L3: "l3"}

// Build reads "name", "levels" (1 to 3), the optional "memory latency" and
// one section per cache: "l1i", "l1d", then "l2" and "l3" as levels require.
func (s *Simulator) Build(ctx *bus.BuildContext, model *cache.Model) error {
	cfg := ctx.Config
	name, err := cfg.String("name")
	if err != nil {
		return fmt.Errorf("dinero: %w", err)
	}
	levels, err := cfg.Int("levels")
	if err != nil {
		return fmt.Errorf("dinero: %w", err)
	}
	if levels < cache.L1 || levels > cache.L3 {
		return fmt.Errorf("dinero: levels must be in [1,3], got %d", levels)
	}
	memNs, err := cfg.IntOr("memory latency", DefaultMemoryLatency)
	if err != nil {
		return fmt.Errorf("dinero: %w", err)
	}
	if memNs < 0 {
		return fmt.Errorf("dinero: memory latency must be >= 0, got %d", memNs)
	}

	l1i, err := s.section(cfg, "l1i")
	if err != nil {
		return err
	}
	l1d, err := s.section(cfg, "l1d")
	if err != nil {
		return err
	}
	procCores := [cache.AllProc]int{
		cache.ProcessorCPU: min(int(ctx.Platform.CPUCores), bus.MaxCPUCores),
		cache.ProcessorGPU: min(int(ctx.Platform.GPUCores), bus.MaxCPUCores),
	}
	var shared [cache.MaxLevel]*level
	for lv := cache.L2; lv <= levels; lv++ {
		if shared[lv], err = s.section(cfg, levelKeys[lv]); err != nil {
			return err
		}
	}
	for p, n := range procCores {
		if n == 0 {
			continue
		}
		for c := range n {
			s.l1i[p][c], s.l1d[p][c] = l1i.clone(), l1d.clone()
		}
		for lv := cache.L2; lv <= levels; lv++ {
			s.shared[p][lv] = shared[lv].clone()
		}
	}

	s.levels, s.memNs, s.cores = levels, uint64(memNs), procCores[cache.ProcessorCPU]
	s.out, s.log = ctx.Out, ctx.Log
	s.fillModel(name, l1i, l1d, shared)
	*model = s.model
	s.log.Debugf("dinero ready: %d levels, memory %dns", levels, memNs)
	return nil
}

func (s *Simulator) section(cfg config.Document, key string) (*level, error) {
	doc, err := cfg.Doc(key)
	if err != nil {
		return nil, fmt.Errorf("dinero: %w", err)
	}
	l, err := newLevel(key, doc)
	if err != nil {
		return nil, fmt.Errorf("dinero: %w", err)
	}
	return l, nil
}

func flag(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func mask(l *level) int32 { return int32(^(uint32(1)<<l.log2Block - 1)) }

func (s *Simulator) fillModel(name string, l1i, l1d *level, shared [cache.MaxLevel]*level) {
	m := &s.model
	bus.SetName(m.Name[:], name)
	m.Levels = int32(s.levels)
	set := func(lv int, i, d *level) {
		m.Latency[lv] = int32(d.latency)
		m.DLog2BlockSize[lv], m.DLog2BlockSizeMask[lv] = int32(d.log2Block), mask(d)
		m.ILog2BlockSize[lv], m.ILog2BlockSizeMask[lv] = int32(i.log2Block), mask(i)
		m.DWriteAlloc[lv], m.DWriteBack[lv] = flag(d.writeAlloc), flag(d.writeBack)
	}
	set(cache.L1, l1i, l1d)
	for lv := cache.L2; lv <= s.levels; lv++ {
		set(lv, shared[lv], shared[lv])
	}
}

func (s *Simulator) ProcessPacket(id int, ref cache.Reference, data *cache.Data) {
	switch ref.Type {
	case bus.PacketBarrier, bus.PacketSyncData:
		*data = s.data
	case bus.PacketDumpInfo:
		fmt.Fprintf(s.out, "  [%d] type : %s\n", id, title)
		cache.WriteCounters(s.out, s.model, s.data, s.cores)
	case bus.PacketReset:
		s.data = cache.Data{}
	case cache.PacketRead, cache.PacketWrite, cache.PacketInsn:
		s.access(ref)
	default:
		bus.UnexpectedPacket(title, ref.Type)
	}
}

// ProcessHotPacket counts hot references as L1 hits without a lookup.
func (s *Simulator) ProcessHotPacket(id int, ref cache.Reference, data *cache.Data) {
	proc, core := int(ref.Processor), int(ref.Core)
	switch ref.Type.Stripped() {
	case cache.PacketInsn:
		l := s.l1(proc, core, true)
		size := max(uint64(ref.Size), 1)
		blocks := l.block(ref.Addr+size-1) - l.block(ref.Addr) + 1
		s.data.InsnCache[proc][cache.L1][core][cache.Reads] += blocks
	case cache.PacketRead:
		s.data.DataCache[proc][cache.L1][core][cache.Reads]++
	case cache.PacketWrite:
		s.data.DataCache[proc][cache.L1][core][cache.Writes]++
	default:
		bus.UnexpectedPacket(title, ref.Type)
	}
}

func (s *Simulator) Destroy() error { return nil }

func (s *Simulator) l1(proc, core int, insn bool) *level {
	var l *level
	if proc < cache.AllProc && core < bus.MaxCPUCores {
		if insn {
			l = s.l1i[proc][core]
		} else {
			l = s.l1d[proc][core]
		}
	}
	if l == nil {
		logrus.Panicf("%s: no L1 cache for processor %d core %d", title, proc, core)
	}
	return l
}

func (s *Simulator) access(ref cache.Reference) {
	proc, core := int(ref.Processor), int(ref.Core)
	insn := ref.Type == cache.PacketInsn
	write := ref.Type == cache.PacketWrite
	l := s.l1(proc, core, insn)
	size := max(uint64(ref.Size), 1)
	for blk := l.block(ref.Addr); blk <= l.block(ref.Addr+size-1); blk++ {
		s.accessLevel(proc, core, cache.L1, l, blk<<l.log2Block, insn, write)
	}
}

func (s *Simulator) counters(proc, core, lv int, insn bool) *cache.Counters {
	if lv > cache.L1 {
		return &s.data.DataCache[proc][lv][0]
	}
	if insn {
		return &s.data.InsnCache[proc][lv][core]
	}
	return &s.data.DataCache[proc][lv][core]
}

// accessLevel applies one block access at level lv and forwards misses and
// write-through traffic to the next level or to memory.
func (s *Simulator) accessLevel(proc, core, lv int, l *level, addr uint64, insn, write bool) {
	cnt := s.counters(proc, core, lv, insn)
	if write {
		cnt[cache.Writes]++
	} else {
		cnt[cache.Reads]++
	}
	hit := l.lookup(l.block(addr), !write || l.writeAlloc)
	if !hit {
		if write {
			cnt[cache.WriteMisses]++
		} else {
			cnt[cache.ReadMisses]++
		}
	}
	var forward, forwardWrite bool
	switch {
	case !hit && write && !l.writeAlloc:
		forward, forwardWrite = true, true
	case !hit:
		forward = true
	case write && !l.writeBack:
		forward, forwardWrite = true, true
	}
	if !forward {
		return
	}
	if lv == s.levels {
		s.data.MemoryAccesses++
		s.data.MemoryTimeNs += s.memNs
		return
	}
	s.accessLevel(proc, core, lv+1, s.shared[proc][lv+1], addr, false, forwardWrite)
}
