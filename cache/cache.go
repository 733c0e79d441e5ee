// Package cache carries memory references to cache simulators.
package cache

import (
	"fmt"
	"io"

	"github.com/inference-sim/vpmu/bus"
)

// Kind names the cache stream in configuration and worker processes.
const Kind = "cache"

// Data packet subtypes.
const (
	PacketRead  bus.PacketType = 0
	PacketWrite bus.PacketType = 1
	PacketInsn  bus.PacketType = 2
)

// Processors.
const (
	ProcessorCPU = 0
	ProcessorGPU = 1
	AllProc      = 2
)

// Counter indices.
const (
	Reads = iota
	Writes
	ReadMisses
	WriteMisses
	NumCounters
)

// Levels. NotUsed keeps level numbers equal to array indices.
const (
	NotUsed = iota
	L1
	L2
	L3
	Memory
	MaxLevel
)

// Reference is one memory reference.
type Reference struct {
	Type      bus.PacketType
	Core      uint8
	Processor uint8
	Size      uint16
	_         uint16
	Addr      uint64
}

func (r Reference) PacketType() bus.PacketType { return r.Type }

func (r Reference) WithPacketType(t bus.PacketType) Reference {
	r.Type = t
	return r
}

// Model describes the simulated hierarchy. Masks clear the offset bits of an
// address; write flags are 0 or 1.
type Model struct {
	Name               [64]byte
	Levels             int32
	Latency            [MaxLevel]int32
	DLog2BlockSize     [MaxLevel]int32
	DLog2BlockSizeMask [MaxLevel]int32
	ILog2BlockSize     [MaxLevel]int32
	ILog2BlockSizeMask [MaxLevel]int32
	DWriteAlloc        [MaxLevel]int32
	DWriteBack         [MaxLevel]int32
}

func (m Model) String() string { return bus.Name(m.Name[:]) }

// Counters are the Reads, Writes, ReadMisses and WriteMisses of one cache.
type Counters [NumCounters]uint64

// Accesses returns reads plus writes.
func (c Counters) Accesses() uint64 { return c[Reads] + c[Writes] }

// Misses returns read plus write misses.
func (c Counters) Misses() uint64 { return c[ReadMisses] + c[WriteMisses] }

// Hits returns accesses that did not miss.
func (c Counters) Hits() uint64 { return c.Accesses() - c.Misses() }

// MissRate returns misses over accesses, smoothed so an idle cache reads 0.
func (c Counters) MissRate() float64 { return float64(c.Misses()) / float64(c.Accesses()+1) }

// Data holds counters per processor, level and core. Shared levels (L2 and
// beyond) are counted at core 0.
type Data struct {
	InsnCache      [AllProc][Memory][bus.MaxCPUCores]Counters
	DataCache      [AllProc][Memory][bus.MaxCPUCores]Counters
	MemoryAccesses uint64
	MemoryTimeNs   uint64
}

// Reduce folds the per-core L1 counters into core 0.
func (d Data) Reduce(cores int) Data {
	for p := range AllProc {
		for i := 1; i < min(cores, bus.MaxCPUCores); i++ {
			for j := range NumCounters {
				d.InsnCache[p][L1][0][j] += d.InsnCache[p][L1][i][j]
				d.DataCache[p][L1][0][j] += d.DataCache[p][L1][i][j]
			}
			d.InsnCache[p][L1][i] = Counters{}
			d.DataCache[p][L1][i] = Counters{}
		}
	}
	return d
}

func (d Data) Add(o Data) Data { return d.combine(o, 1) }
func (d Data) Sub(o Data) Data { return d.combine(o, ^uint64(0)) }

// combine adds sign*o to d; sign is 1 or -1 in two's complement.
func (d Data) combine(o Data, sign uint64) Data {
	for p := range AllProc {
		for l := range Memory {
			for c := range bus.MaxCPUCores {
				for j := range NumCounters {
					d.InsnCache[p][l][c][j] += sign * o.InsnCache[p][l][c][j]
					d.DataCache[p][l][c][j] += sign * o.DataCache[p][l][c][j]
				}
			}
		}
	}
	d.MemoryAccesses += sign * o.MemoryAccesses
	d.MemoryTimeNs += sign * o.MemoryTimeNs
	return d
}

// WriteCounters prints the CPU hierarchy from the last level down to L1.
func WriteCounters(w io.Writer, m Model, d Data, cores int) {
	fmt.Fprintln(w, "       (Miss Rate)     |    Access Count   |  Read Miss Count  |  Write Miss Count |")
	fmt.Fprintf(w, "    -> memory   (%0.2f) | %17d | %17d | %17d |\n", 0.0, d.MemoryAccesses, 0, 0)
	for l := min(int(m.Levels), L3); l >= L2; l-- {
		c := d.DataCache[ProcessorCPU][l][0]
		fmt.Fprintf(w, "    -> L%d-D     (%0.2f) | %17d | %17d | %17d |\n",
			l, c.MissRate(), c.Accesses(), c[ReadMisses], c[WriteMisses])
	}
	for i := range min(cores, bus.MaxCPUCores) {
		c := d.DataCache[ProcessorCPU][L1][i]
		fmt.Fprintf(w, "    -> L1-D[%2d] (%0.2f) | %17d | %17d | %17d |\n",
			i, c.MissRate(), c.Accesses(), c[ReadMisses], c[WriteMisses])
		c = d.InsnCache[ProcessorCPU][L1][i]
		fmt.Fprintf(w, "    -> L1-I[%2d] (%0.2f) | %17d | %17d | %17d |\n",
			i, c.MissRate(), c.Accesses(), c[ReadMisses], c[WriteMisses])
	}
}
