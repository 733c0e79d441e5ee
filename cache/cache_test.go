package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/vpmu/bus"
)

func TestCounters_Derived(t *testing.T) {
	c := Counters{Reads: 6, Writes: 3, ReadMisses: 2, WriteMisses: 1}

	assert.Equal(t, uint64(9), c.Accesses())
	assert.Equal(t, uint64(3), c.Misses())
	assert.Equal(t, uint64(6), c.Hits())
	assert.InDelta(t, 0.3, c.MissRate(), 1e-9)
	assert.Zero(t, Counters{}.MissRate())
}

func TestData_Reduce_FoldsL1IntoCoreZero(t *testing.T) {
	var d Data
	d.DataCache[ProcessorCPU][L1][0][Reads] = 1
	d.DataCache[ProcessorCPU][L1][1][Reads] = 2
	d.DataCache[ProcessorCPU][L1][5][Reads] = 100
	d.InsnCache[ProcessorCPU][L1][1][ReadMisses] = 4
	d.DataCache[ProcessorCPU][L2][0][Reads] = 7

	r := d.Reduce(2)

	assert.Equal(t, uint64(3), r.DataCache[ProcessorCPU][L1][0][Reads])
	assert.Zero(t, r.DataCache[ProcessorCPU][L1][1][Reads])
	assert.Equal(t, uint64(100), r.DataCache[ProcessorCPU][L1][5][Reads])
	assert.Equal(t, uint64(4), r.InsnCache[ProcessorCPU][L1][0][ReadMisses])
	assert.Equal(t, uint64(7), r.DataCache[ProcessorCPU][L2][0][Reads])
}

func TestData_AddSub_RoundTrip(t *testing.T) {
	var a, b Data
	a.MemoryAccesses, b.MemoryAccesses = 10, 4
	a.DataCache[ProcessorGPU][L2][0][Writes] = 5
	b.DataCache[ProcessorGPU][L2][0][Writes] = 2

	sum := a.Add(b)
	assert.Equal(t, uint64(14), sum.MemoryAccesses)
	assert.Equal(t, uint64(7), sum.DataCache[ProcessorGPU][L2][0][Writes])
	assert.Equal(t, a, sum.Sub(b))
}

func TestWriteCounters_PrintsConfiguredLevels(t *testing.T) {
	var buf bytes.Buffer
	m := Model{Levels: 3}
	var d Data
	d.MemoryAccesses = 42

	WriteCounters(&buf, m, d, 1)

	out := buf.String()
	assert.Contains(t, out, "L3-D")
	assert.Contains(t, out, "L2-D")
	assert.Contains(t, out, "L1-D[ 0]")
	assert.NotContains(t, out, "L1-D[ 1]")
	assert.Contains(t, out, " 42 |")
}

func TestReference_IsPlainRecord(t *testing.T) {
	require.NoError(t, bus.CheckRecord[Reference]())
	r := Reference{Type: bus.Hot(PacketWrite), Addr: 1}
	assert.Equal(t, PacketWrite, bus.StripState(r).Type)
}
