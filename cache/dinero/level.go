package dinero

import (
	"fmt"
	"math/bits"

	"github.com/inference-sim/vpmu/config"
)

// level is one set-associative, LRU cache.
type level struct {
	log2Block  uint
	sets       uint64
	ways       int
	latency    int
	writeBack  bool
	writeAlloc bool
	// tags holds block+1 per way, most recently used first; 0 is empty.
	tags []uint64
}

// newLevel reads "size", "block size", "latency" and the optional "assoc",
// "write back" and "write allocate" keys.
func newLevel(name string, doc config.Document) (*level, error) {
	size, err := doc.Int("size")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	block, err := doc.Int("block size")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	latency, err := doc.Int("latency")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	ways, err := doc.IntOr("assoc", 1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	wb, err := doc.BoolOr("write back", true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	wa, err := doc.BoolOr("write allocate", true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	switch {
	case block <= 0 || block&(block-1) != 0:
		return nil, fmt.Errorf("%s: block size %d is not a power of two", name, block)
	case ways <= 0:
		return nil, fmt.Errorf("%s: assoc must be > 0, got %d", name, ways)
	case size < block*ways || size%(block*ways) != 0:
		return nil, fmt.Errorf("%s: size %d is not a multiple of block size %d x assoc %d", name, size, block, ways)
	case latency < 0:
		return nil, fmt.Errorf("%s: latency must be >= 0, got %d", name, latency)
	}
	sets := uint64(size / (block * ways))
	return &level{
		log2Block:  uint(bits.TrailingZeros(uint(block))),
		sets:       sets,
		ways:       ways,
		latency:    latency,
		writeBack:  wb,
		writeAlloc: wa,
		tags:       make([]uint64, sets*uint64(ways)),
	}, nil
}

func (l *level) block(addr uint64) uint64 { return addr >> l.log2Block }

// lookup reports whether blk is cached, moving it to the MRU position. On a
// miss with fill set, blk replaces the LRU way.
func (l *level) lookup(blk uint64, fill bool) bool {
	base := (blk % l.sets) * uint64(l.ways)
	row := l.tags[base : base+uint64(l.ways)]
	for i, t := range row {
		if t == blk+1 {
			copy(row[1:i+1], row[:i])
			row[0] = blk + 1
			return true
		}
	}
	if fill {
		copy(row[1:], row[:l.ways-1])
		row[0] = blk + 1
	}
	return false
}

// clone returns an empty level with the same geometry.
func (l *level) clone() *level {
	c := *l
	c.tags = make([]uint64, len(l.tags))
	return &c
}
