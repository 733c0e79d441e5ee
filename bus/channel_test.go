package bus

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_PushPop_PreservesOrder(t *testing.T) {
	// GIVEN a channel with one reader
	ch := NewChannel[int](8)
	r := ch.RegisterReader()

	// WHEN three items are pushed
	for i := 1; i <= 3; i++ {
		require.True(t, ch.Push(i))
	}

	// THEN they pop back in insertion order and the view ends empty
	for i := 1; i <= 3; i++ {
		v, ok := ch.Pop(r)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.True(t, ch.Empty(r))
}

func TestChannel_PopEmpty_ReturnsFalse(t *testing.T) {
	ch := NewChannel[int](4)
	r := ch.RegisterReader()

	v, ok := ch.Pop(r)

	assert.False(t, ok)
	assert.Zero(t, v)
	assert.Zero(t, ch.PopN(r, make([]int, 4)))
}

func TestChannel_Full_RejectsPushWithoutOverwrite(t *testing.T) {
	// GIVEN a 4-slot channel, which holds 3 records
	ch := NewChannel[int](4)
	r := ch.RegisterReader()
	require.Equal(t, 3, ch.Cap())
	for i := range 3 {
		require.True(t, ch.Push(i))
	}

	// WHEN the ring is full
	// THEN a push is refused and the buffered records survive
	assert.True(t, ch.Full(r))
	assert.False(t, ch.Push(99))
	assert.Equal(t, 0, ch.PushN([]int{99, 100}))
	assert.Equal(t, 3, ch.Size(r))
	dst := make([]int, 4)
	n := ch.PopN(r, dst)
	assert.Equal(t, []int{0, 1, 2}, dst[:n])
}

func TestChannel_PushNPopN_WrapAround(t *testing.T) {
	// GIVEN a channel whose cursors sit near the end of the ring
	ch := NewChannel[int](5)
	r := ch.RegisterReader()
	require.Equal(t, 3, ch.PushN([]int{0, 1, 2}))
	require.Equal(t, 3, ch.PopN(r, make([]int, 3)))

	// WHEN a bulk push crosses the end of the array
	n := ch.PushN([]int{10, 11, 12, 13, 14})

	// THEN only capacity records fit and they read back contiguously
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, ch.RemainedSpace(r))
	dst := make([]int, 8)
	got := ch.PopN(r, dst)
	assert.Equal(t, []int{10, 11, 12, 13}, dst[:got])
}

func TestChannel_PopN_BoundedByDestination(t *testing.T) {
	ch := NewChannel[int](8)
	r := ch.RegisterReader()
	ch.PushN([]int{1, 2, 3, 4, 5})

	dst := make([]int, 2)
	assert.Equal(t, 2, ch.PopN(r, dst))
	assert.Equal(t, []int{1, 2}, dst)
	assert.Equal(t, 3, ch.Size(r))
}

func TestChannel_MultipleReaders_EachSeesEveryRecord(t *testing.T) {
	// GIVEN two readers
	ch := NewChannel[int](8)
	a, b := ch.RegisterReader(), ch.RegisterReader()
	ch.PushN([]int{1, 2, 3})

	// WHEN only reader a consumes
	dst := make([]int, 8)
	require.Equal(t, 3, ch.PopN(a, dst))

	// THEN b still sees all records and bounds the free space
	assert.True(t, ch.Empty(a))
	assert.False(t, ch.EmptyAll())
	assert.Equal(t, 3, ch.Size(b))
	assert.Equal(t, 3, ch.SizeAll())
	assert.Equal(t, 7, ch.RemainedSpace(a))
	assert.Equal(t, 4, ch.RemainedSpaceAll())
	n := ch.PopN(b, dst)
	assert.Equal(t, []int{1, 2, 3}, dst[:n])
	assert.True(t, ch.EmptyAll())
}

func TestChannel_SlowestReaderFull_BlocksAllPushes(t *testing.T) {
	ch := NewChannel[int](3)
	fast, slow := ch.RegisterReader(), ch.RegisterReader()
	ch.PushN([]int{1, 2})
	ch.PopN(fast, make([]int, 2))

	assert.False(t, ch.Full(fast))
	assert.True(t, ch.Full(slow))
	assert.True(t, ch.FullAll())
	assert.False(t, ch.Push(3))
}

func TestChannel_LateReader_StartsAtWriteCursor(t *testing.T) {
	// GIVEN records pushed before a reader registers
	ch := NewChannel[int](8)
	early := ch.RegisterReader()
	ch.PushN([]int{1, 2})

	// WHEN a second reader registers
	late := ch.RegisterReader()
	ch.Push(3)

	// THEN it only observes later records
	v, ok := ch.Pop(late)
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 3, ch.Size(early))
}

func TestChannel_ReaderLimit_Panics(t *testing.T) {
	ch := NewChannel[int](4)
	for range MaxReaders {
		ch.RegisterReader()
	}
	assert.Equal(t, MaxReaders, ch.Readers())
	assert.PanicsWithValue(t, "Channel: reader limit 64 exceeded", func() { ch.RegisterReader() })
}

func TestChannel_RegisterWhileWriting_CountedReadersHaveValidCursors(t *testing.T) {
	// GIVEN unregistered cursors holding an out-of-range value and a writer
	// that keeps checking every counted reader
	ch := NewChannel[int](8)
	const poison = 1 << 40
	for i := range ch.hdr.read {
		ch.hdr.read[i].v = poison
	}
	first := ch.RegisterReader()

	stop := make(chan struct{})
	bad := make(chan uint64, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ch.Push(1)
			ch.Pop(first)
			for id := range ch.Readers() {
				if v := atomic.LoadUint64(&ch.hdr.read[id].v); v >= ch.n {
					select {
					case bad <- v:
					default:
					}
				}
			}
		}
	}()

	// WHEN the remaining readers register
	for range MaxReaders - 1 {
		ch.RegisterReader()
	}
	close(stop)
	wg.Wait()

	// THEN no counted reader was ever observed before its cursor was set
	select {
	case v := <-bad:
		t.Fatalf("counted reader with unset cursor %d", v)
	default:
	}
	assert.Equal(t, MaxReaders, ch.Readers())
}

func TestChannel_ReaderLimit_CountUnchangedAfterPanic(t *testing.T) {
	ch := NewChannel[int](4)
	for range MaxReaders {
		ch.RegisterReader()
	}
	assert.Panics(t, func() { ch.RegisterReader() })
	assert.Equal(t, MaxReaders, ch.Readers())
}

func TestNewChannel_TooFewSlots_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "Channel: slots must be >= 2, got 1", func() { NewChannel[int](1) })
}

func TestChannel_ConcurrentWriterReader_DeliversEverythingInOrder(t *testing.T) {
	// GIVEN one writer goroutine and one reader goroutine over a small ring
	const total = 100000
	ch := NewChannel[uint64](64)
	r := ch.RegisterReader()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		batch := make([]uint64, 0, 16)
		for i := uint64(0); i < total; {
			batch = batch[:0]
			for j := uint64(0); j < 16 && i+j < total; j++ {
				batch = append(batch, i+j)
			}
			i += uint64(ch.PushN(batch))
		}
	}()

	// WHEN the reader drains until it has seen every record
	var got []uint64
	dst := make([]uint64, 32)
	for len(got) < total {
		n := ch.PopN(r, dst)
		got = append(got, dst[:n]...)
	}
	wg.Wait()

	// THEN nothing was lost, duplicated or reordered
	require.Len(t, got, total)
	for i, v := range got {
		if v != uint64(i) {
			t.Fatalf("record %d = %d", i, v)
		}
	}
}
