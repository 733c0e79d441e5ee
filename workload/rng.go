package workload

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// Key identifies a reproducible workload. The same Key and configuration
// produce the same event sequence on every core.
type Key int64

// PartitionedRNG hands out one isolated, deterministically seeded source per
// core, so the events a core sees do not depend on how many other cores run
// or how their producers interleave.
//
// Not safe for concurrent use; derive every core's source before starting the
// producers.
type PartitionedRNG struct {
	key   Key
	cores map[int]*rand.Rand
}

func NewPartitionedRNG(key Key) *PartitionedRNG {
	return &PartitionedRNG{key: key, cores: make(map[int]*rand.Rand)}
}

// ForCore returns the source of core, seeded with key XOR fnv1a64("core_N").
// Repeated calls return the same instance.
func (p *PartitionedRNG) ForCore(core int) *rand.Rand {
	if rng, ok := p.cores[core]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(fmt.Sprintf("core_%d", core))))
	p.cores[core] = rng
	return rng
}

func (p *PartitionedRNG) Key() Key { return p.key }

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
