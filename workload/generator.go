// Package workload generates the synthetic per-core event streams the run
// command feeds into the bus.
package workload

import "math/rand"

// Synthetic address map. Each core gets its own data window.
const (
	CodeBase   = 0x400000
	CodeBlocks = 4096
	BlockBytes = 64
	DataBase   = 0x10000000
	DataWindow = 1 << 20
	dataWords  = 1 << 14
	maxInsns   = 16
)

// Event is one executed translation block on a core: its instructions, the
// branch closing it and one data access.
type Event struct {
	PC       uint64
	Insns    uint32
	Loads    uint16
	Stores   uint16
	System   bool
	BranchPC uint64
	Taken    bool
	DataAddr uint64
	Write    bool
}

// FetchSize is the number of instruction bytes the block spans.
func (e Event) FetchSize() uint16 { return uint16(e.Insns * 4) }

// Generator draws events for one core. It is owned by that core's producer.
type Generator struct {
	core int
	rng  *rand.Rand
}

func NewGenerator(core int, rng *rand.Rand) *Generator {
	return &Generator{core: core, rng: rng}
}

// Next draws the next event. Three in four branches are taken, one block in
// eight runs in system mode and one access in four is a write.
func (g *Generator) Next() Event {
	r := g.rng
	e := Event{PC: CodeBase + uint64(r.Intn(CodeBlocks))*BlockBytes}
	insns := 1 + r.Intn(maxInsns)
	e.Insns = uint32(insns)
	e.Loads = uint16(r.Intn(insns/2 + 1))
	e.Stores = uint16(r.Intn(insns/4 + 1))
	e.System = r.Intn(8) == 0
	e.BranchPC = e.PC + uint64(insns-1)*4
	e.Taken = r.Intn(4) != 0
	e.DataAddr = DataBase + uint64(g.core)*DataWindow + uint64(r.Intn(dataWords))*8
	e.Write = r.Intn(4) == 0
	return e
}
