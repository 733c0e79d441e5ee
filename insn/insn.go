// Package insn carries retired translation blocks to instruction timing
// simulators.
package insn

import (
	"fmt"
	"io"

	"github.com/inference-sim/vpmu/bus"
)

// Kind names the instruction stream in configuration and worker processes.
const Kind = "insn"

// CPU modes.
const (
	ModeUser   uint8 = 0
	ModeSystem uint8 = 1
)

// Block summarises one executed translation block. It travels by value so
// the record stays meaningful in another address space.
type Block struct {
	PC    uint64
	Insns uint32
	// Cycles is the static estimate for the block; zero lets the simulator
	// derive it from Insns.
	Cycles   uint32
	Loads    uint16
	Stores   uint16
	Branches uint16
	_        uint16
}

// Reference is one executed block.
type Reference struct {
	Type  bus.PacketType
	Core  uint8
	Mode  uint8
	_     [4]byte
	Block Block
}

func (r Reference) PacketType() bus.PacketType { return r.Type }

func (r Reference) WithPacketType(t bus.PacketType) Reference {
	r.Type = t
	return r
}

// Model is what an instruction simulator reports about itself at Build.
type Model struct {
	Name [128]byte
	// FrequencyMHz is the simulated core clock.
	FrequencyMHz uint64
	DualIssue    uint8
	_            [7]byte
}

func (m Model) String() string { return bus.Name(m.Name[:]) }

// Cell holds per-core counters for one CPU mode.
type Cell struct {
	Cycles    [bus.MaxCPUCores]uint64
	TotalInsn [bus.MaxCPUCores]uint64
	Load      [bus.MaxCPUCores]uint64
	Store     [bus.MaxCPUCores]uint64
	Branch    [bus.MaxCPUCores]uint64
}

func (c *Cell) arrays() [5]*[bus.MaxCPUCores]uint64 {
	return [5]*[bus.MaxCPUCores]uint64{&c.Cycles, &c.TotalInsn, &c.Load, &c.Store, &c.Branch}
}

// Add returns c + o.
func (c Cell) Add(o Cell) Cell {
	dst, src := c.arrays(), o.arrays()
	for i := range dst {
		for j := range dst[i] {
			dst[i][j] += src[i][j]
		}
	}
	return c
}

// Sub returns c - o.
func (c Cell) Sub(o Cell) Cell {
	dst, src := c.arrays(), o.arrays()
	for i := range dst {
		for j := range dst[i] {
			dst[i][j] -= src[i][j]
		}
	}
	return c
}

// Totals is a Cell summed over cores.
type Totals struct {
	Cycles    uint64
	TotalInsn uint64
	Load      uint64
	Store     uint64
	Branch    uint64
}

// Sum adds up the first cores entries of every counter.
func (c Cell) Sum(cores int) Totals {
	var t Totals
	for i := range min(cores, bus.MaxCPUCores) {
		t.Cycles += c.Cycles[i]
		t.TotalInsn += c.TotalInsn[i]
		t.Load += c.Load[i]
		t.Store += c.Store[i]
		t.Branch += c.Branch[i]
	}
	return t
}

// Reduce folds every core into core 0.
func (c Cell) Reduce(cores int) Cell {
	t := c.Sum(cores)
	var out Cell
	out.Cycles[0], out.TotalInsn[0], out.Load[0], out.Store[0], out.Branch[0] = t.Cycles, t.TotalInsn, t.Load, t.Store, t.Branch
	return out
}

// Data splits the counters by CPU mode.
type Data struct {
	User   Cell
	System Cell
}

// Mode returns the cell for mode, treating unknown modes as system.
func (d *Data) Mode(mode uint8) *Cell {
	if mode == ModeUser {
		return &d.User
	}
	return &d.System
}

// SumAllMode adds user and system counters per core.
func (d Data) SumAllMode() Cell { return d.User.Add(d.System) }

// SumAll adds every counter over modes and the first cores cores.
func (d Data) SumAll(cores int) Totals { return d.SumAllMode().Sum(cores) }

func (d Data) Add(o Data) Data { return Data{User: d.User.Add(o.User), System: d.System.Add(o.System)} }
func (d Data) Sub(o Data) Data { return Data{User: d.User.Sub(o.User), System: d.System.Sub(o.System)} }

// WriteCounters prints instruction, load and store counts by mode and core.
func WriteCounters(w io.Writer, d Data, cores int) {
	cores = min(cores, bus.MaxCPUCores)
	all := d.SumAll(cores)
	row := func(label string, v *[bus.MaxCPUCores]uint64) {
		fmt.Fprint(w, label)
		for i := range cores {
			fmt.Fprintf(w, " %17d |", v[i])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, " Total cycle count              : %17d\n", all.Cycles)
	fmt.Fprintf(w, " Total instruction count        : %17d\n", all.TotalInsn)
	row("   ->User mode insn count       :", &d.User.TotalInsn)
	row("   ->Supervisor mode insn count :", &d.System.TotalInsn)
	fmt.Fprintf(w, " Total load instruction count   : %17d\n", all.Load)
	row("   ->User mode load count       :", &d.User.Load)
	row("   ->Supervisor mode load count :", &d.System.Load)
	fmt.Fprintf(w, " Total store instruction count  : %17d\n", all.Store)
	row("   ->User mode store count      :", &d.User.Store)
	row("   ->Supervisor mode store count:", &d.System.Store)
}
