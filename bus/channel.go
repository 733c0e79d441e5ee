package bus

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MaxReaders bounds the number of read cursors per Channel.
const MaxReaders = 64

// CacheLine is the alignment unit for shared structures.
const CacheLine = 64

type paddedCursor struct {
	v uint64
	_ [CacheLine - 8]byte
}

// ChannelHeader is the cursor block preceding the record array of a Channel.
// It is pointer-free so it can be placed inside a shared mapping.
type ChannelHeader struct {
	slots   uint64
	readers uint64
	_       [CacheLine - 16]byte
	write   paddedCursor
	read    [MaxReaders]paddedCursor
}

// Channel is a fixed-capacity ring with one writer and up to MaxReaders
// readers. Every reader observes every record in insertion order. One slot is
// kept empty to tell a full ring from an empty one, so Cap is slots-1.
type Channel[T any] struct {
	hdr   *ChannelHeader
	elems []T
	n     uint64
}

// NewChannel allocates a heap-backed Channel with the given number of slots.
func NewChannel[T any](slots int) *Channel[T] {
	if slots < 2 {
		panic(fmt.Sprintf("Channel: slots must be >= 2, got %d", slots))
	}
	return newChannelView(&ChannelHeader{}, make([]T, slots), true)
}

// newChannelView wraps an existing header and record array. init resets the
// header; attaching processes pass false.
func newChannelView[T any](hdr *ChannelHeader, elems []T, init bool) *Channel[T] {
	if init {
		*hdr = ChannelHeader{}
		hdr.slots = uint64(len(elems))
	}
	return &Channel[T]{hdr: hdr, elems: elems, n: hdr.slots}
}

// RegisterReader allocates the next read cursor and returns its id. The new
// cursor starts at the current write position. The cursor is stored before
// the reader count is published, so a concurrent writer never sees a counted
// reader with a stale cursor. Registration itself is single-threaded.
func (c *Channel[T]) RegisterReader() int {
	id := atomic.LoadUint64(&c.hdr.readers)
	if id >= MaxReaders {
		panic(fmt.Sprintf("Channel: reader limit %d exceeded", MaxReaders))
	}
	atomic.StoreUint64(&c.hdr.read[id].v, atomic.LoadUint64(&c.hdr.write.v))
	atomic.StoreUint64(&c.hdr.readers, id+1)
	return int(id)
}

// Readers returns the number of registered readers.
func (c *Channel[T]) Readers() int { return int(atomic.LoadUint64(&c.hdr.readers)) }

// Cap returns the number of records the ring can hold.
func (c *Channel[T]) Cap() int { return int(c.n - 1) }

func (c *Channel[T]) next(i uint64) uint64 {
	i++
	if i == c.n {
		return 0
	}
	return i
}

func (c *Channel[T]) cursors(id int) (w, r uint64) {
	return atomic.LoadUint64(&c.hdr.write.v), atomic.LoadUint64(&c.hdr.read[id].v)
}

func (c *Channel[T]) used(w, r uint64) uint64 {
	if w >= r {
		return w - r
	}
	return c.n - (r - w)
}

// Empty reports whether reader id has nothing to pop.
func (c *Channel[T]) Empty(id int) bool {
	w, r := c.cursors(id)
	return w == r
}

// Full reports whether the writer would overrun reader id.
func (c *Channel[T]) Full(id int) bool {
	w, r := c.cursors(id)
	return c.next(w) == r
}

// Size returns the number of records reader id has not consumed.
func (c *Channel[T]) Size(id int) int {
	w, r := c.cursors(id)
	return int(c.used(w, r))
}

// RemainedSpace returns how many records can be pushed before reader id is full.
func (c *Channel[T]) RemainedSpace(id int) int {
	return c.Cap() - c.Size(id)
}

// EmptyAll reports whether every reader is empty.
func (c *Channel[T]) EmptyAll() bool {
	for id := range c.Readers() {
		if !c.Empty(id) {
			return false
		}
	}
	return true
}

// FullAll reports whether any reader is full.
func (c *Channel[T]) FullAll() bool {
	for id := range c.Readers() {
		if c.Full(id) {
			return true
		}
	}
	return false
}

// SizeAll returns the backlog of the slowest reader.
func (c *Channel[T]) SizeAll() int {
	size := 0
	for id := range c.Readers() {
		size = max(size, c.Size(id))
	}
	return size
}

// RemainedSpaceAll returns the free space with respect to the slowest reader.
func (c *Channel[T]) RemainedSpaceAll() int {
	return c.Cap() - c.SizeAll()
}

// Push inserts item unless some reader is full.
func (c *Channel[T]) Push(item T) bool {
	if c.FullAll() {
		return false
	}
	w := atomic.LoadUint64(&c.hdr.write.v)
	c.elems[w] = item
	atomic.StoreUint64(&c.hdr.write.v, c.next(w))
	return true
}

// PushN inserts as many leading items as the slowest reader allows and
// returns the count.
func (c *Channel[T]) PushN(items []T) int {
	num := min(len(items), c.RemainedSpaceAll())
	if num <= 0 {
		return 0
	}
	w := atomic.LoadUint64(&c.hdr.write.v)
	head := copy(c.elems[w:], items[:num])
	copy(c.elems, items[head:num])
	atomic.StoreUint64(&c.hdr.write.v, (w+uint64(num))%c.n)
	return num
}

// Pop removes the oldest record visible to reader id. It returns the zero
// value and false when the view is empty.
func (c *Channel[T]) Pop(id int) (T, bool) {
	w, r := c.cursors(id)
	if w == r {
		var zero T
		return zero, false
	}
	item := c.elems[r]
	atomic.StoreUint64(&c.hdr.read[id].v, c.next(r))
	return item, true
}

// PopN copies up to len(dst) records for reader id into dst and returns the
// count.
func (c *Channel[T]) PopN(id int, dst []T) int {
	w, r := c.cursors(id)
	num := min(len(dst), int(c.used(w, r)))
	if num <= 0 {
		return 0
	}
	head := copy(dst[:num], c.elems[r:])
	copy(dst[head:num], c.elems)
	atomic.StoreUint64(&c.hdr.read[id].v, (r+uint64(num))%c.n)
	return num
}

// channelHeaderSize is the byte size of the cursor block.
const channelHeaderSize = unsafe.Sizeof(ChannelHeader{})
