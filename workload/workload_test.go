package workload

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionedRNG_SameKey_SameSequencePerCore(t *testing.T) {
	a, b := NewPartitionedRNG(42), NewPartitionedRNG(42)

	for range 5 {
		assert.Equal(t, a.ForCore(1).Int63(), b.ForCore(1).Int63())
	}
}

func TestPartitionedRNG_CoresAreIsolated(t *testing.T) {
	// GIVEN two partitions of the same key
	a, b := NewPartitionedRNG(7), NewPartitionedRNG(7)

	// WHEN core 0 of a draws heavily before core 1 is touched
	for range 100 {
		a.ForCore(0).Int63()
	}

	// THEN core 1 still starts at the beginning of its own sequence
	assert.Equal(t, b.ForCore(1).Int63(), a.ForCore(1).Int63())
	assert.NotEqual(t, NewPartitionedRNG(7).ForCore(0).Int63(), NewPartitionedRNG(7).ForCore(1).Int63())
}

func TestPartitionedRNG_CachesInstance(t *testing.T) {
	p := NewPartitionedRNG(1)

	assert.Same(t, p.ForCore(3), p.ForCore(3))
	assert.Equal(t, Key(1), p.Key())
}

func TestPartitionedRNG_ExtremeKeys(t *testing.T) {
	for _, k := range []Key{0, -1, math.MinInt64, math.MaxInt64} {
		v := NewPartitionedRNG(k).ForCore(0).Float64()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestGenerator_Next_StaysInsideAddressMap(t *testing.T) {
	// GIVEN a generator for core 2
	g := NewGenerator(2, NewPartitionedRNG(9).ForCore(2))
	lo := uint64(DataBase + 2*DataWindow)

	// WHEN many events are drawn
	for range 10000 {
		e := g.Next()

		// THEN every field stays inside its range
		require.GreaterOrEqual(t, e.PC, uint64(CodeBase))
		require.Less(t, e.PC, uint64(CodeBase+CodeBlocks*BlockBytes))
		require.Zero(t, e.PC%BlockBytes)
		require.GreaterOrEqual(t, e.Insns, uint32(1))
		require.LessOrEqual(t, e.Insns, uint32(maxInsns))
		require.LessOrEqual(t, uint32(e.Loads), e.Insns/2)
		require.LessOrEqual(t, uint32(e.Stores), e.Insns/4)
		require.Equal(t, e.PC+uint64(e.Insns-1)*4, e.BranchPC)
		require.GreaterOrEqual(t, e.DataAddr, lo)
		require.Less(t, e.DataAddr, lo+DataWindow)
		require.Zero(t, e.DataAddr%8)
		require.Equal(t, uint16(e.Insns*4), e.FetchSize())
	}
}

func TestGenerator_Next_MixesOutcomes(t *testing.T) {
	g := NewGenerator(0, NewPartitionedRNG(5).ForCore(0))
	var taken, writes, system int

	const n = 8000
	for range n {
		e := g.Next()
		if e.Taken {
			taken++
		}
		if e.Write {
			writes++
		}
		if e.System {
			system++
		}
	}

	assert.InDelta(t, 0.75, float64(taken)/n, 0.05)
	assert.InDelta(t, 0.25, float64(writes)/n, 0.05)
	assert.InDelta(t, 0.125, float64(system)/n, 0.05)
}
