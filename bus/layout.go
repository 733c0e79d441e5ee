package bus

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"
)

const (
	// MaxWorkers is the number of worker slots every Layout reserves.
	MaxWorkers = MaxReaders
	// FixedPadding separates the token from the channel header and keeps the
	// channel cache-line aligned.
	FixedPadding = CacheLine - int(unsafe.Sizeof(Token{}))

	LayoutMagic   uint32 = 0x56504d55
	LayoutVersion uint32 = 1
)

// ErrLayoutMismatch is returned when attaching to a layout built for
// different record, model or data types.
var ErrLayoutMismatch = errors.New("layout mismatch")

// Metadata heads every Layout.
type Metadata struct {
	Magic      uint32
	Version    uint32
	RecordSize uint32
	SlotSize   uint32
	Capacity   uint64
	MaxWorkers uint32
	NumWorkers uint32
	Platform   Platform
	_          [CacheLine - 48]byte
}

// Slot is the per-worker control block and the published copies of the
// simulator's Model and Data.
type Slot[M, D any] struct {
	sem    Semaphore
	syncs  uint32
	synced uint32
	_      [CacheLine - 16]byte
	model  M
	data   D
}

// Token orders DUMP output across workers and carries the stop flag and the
// producer heartbeat.
type Token struct {
	value     uint32
	stop      uint32
	heartbeat uint64
}

func roundUp(n, to uintptr) uintptr { return (n + to - 1) / to * to }

// SlotStride is the distance between consecutive slots.
func SlotStride[M, D any]() uintptr {
	return roundUp(unsafe.Sizeof(Slot[M, D]{}), CacheLine)
}

func MetadataOffset() uintptr { return 0 }

func SlotOffset[M, D any](i int) uintptr {
	return unsafe.Sizeof(Metadata{}) + uintptr(i)*SlotStride[M, D]()
}

func TokenOffset[M, D any]() uintptr { return SlotOffset[M, D](MaxWorkers) }

func ChannelOffset[M, D any]() uintptr {
	return TokenOffset[M, D]() + unsafe.Sizeof(Token{}) + uintptr(FixedPadding)
}

func RecordsOffset[M, D any]() uintptr { return ChannelOffset[M, D]() + channelHeaderSize }

// LayoutSize returns the exact byte size of a Layout with capacity channel
// slots.
func LayoutSize[R any, M, D any](capacity int) int {
	var r R
	return int(RecordsOffset[M, D]() + unsafe.Sizeof(r)*uintptr(capacity))
}

// Layout is a typed view over one contiguous block holding the metadata,
// worker slots, token and channel.
type Layout[R Reference[R], M, D any] struct {
	buf   []byte
	meta  *Metadata
	token *Token
	ch    *Channel[R]
}

// NewLayout initialises a Layout inside buf, which must be cache-line aligned
// and at least LayoutSize bytes long.
func NewLayout[R Reference[R], M, D any](buf []byte, capacity int, platform Platform) (*Layout[R, M, D], error) {
	if err := checkLayoutTypes[R, M, D](); err != nil {
		return nil, err
	}
	if capacity < 2 {
		return nil, fmt.Errorf("layout: capacity must be >= 2, got %d", capacity)
	}
	l, err := viewLayout[R, M, D](buf, capacity, true)
	if err != nil {
		return nil, err
	}
	var r R
	*l.meta = Metadata{
		Magic:      LayoutMagic,
		Version:    LayoutVersion,
		RecordSize: uint32(unsafe.Sizeof(r)),
		SlotSize:   uint32(SlotStride[M, D]()),
		Capacity:   uint64(capacity),
		MaxWorkers: MaxWorkers,
		Platform:   platform,
	}
	for i := range MaxWorkers {
		*l.Slot(i) = Slot[M, D]{}
	}
	*l.token = Token{}
	return l, nil
}

// AttachLayout binds a view onto a Layout previously initialised by NewLayout,
// possibly in another process.
func AttachLayout[R Reference[R], M, D any](buf []byte) (*Layout[R, M, D], error) {
	if err := checkLayoutTypes[R, M, D](); err != nil {
		return nil, err
	}
	if len(buf) < int(unsafe.Sizeof(Metadata{})) {
		return nil, fmt.Errorf("layout: %d bytes cannot hold metadata: %w", len(buf), ErrLayoutMismatch)
	}
	if err := checkAligned(buf); err != nil {
		return nil, err
	}
	meta := (*Metadata)(unsafe.Pointer(&buf[0]))
	var r R
	switch {
	case meta.Magic != LayoutMagic || meta.Version != LayoutVersion:
		return nil, fmt.Errorf("layout: magic %#x version %d: %w", meta.Magic, meta.Version, ErrLayoutMismatch)
	case meta.RecordSize != uint32(unsafe.Sizeof(r)):
		return nil, fmt.Errorf("layout: record size %d, want %d: %w", meta.RecordSize, unsafe.Sizeof(r), ErrLayoutMismatch)
	case meta.SlotSize != uint32(SlotStride[M, D]()):
		return nil, fmt.Errorf("layout: slot size %d, want %d: %w", meta.SlotSize, SlotStride[M, D](), ErrLayoutMismatch)
	case meta.MaxWorkers != MaxWorkers:
		return nil, fmt.Errorf("layout: max workers %d, want %d: %w", meta.MaxWorkers, MaxWorkers, ErrLayoutMismatch)
	}
	return viewLayout[R, M, D](buf, int(meta.Capacity), false)
}

// AllocLayout returns a heap-backed Layout.
func AllocLayout[R Reference[R], M, D any](capacity int, platform Platform) (*Layout[R, M, D], error) {
	return NewLayout[R, M, D](alignedBytes(LayoutSize[R, M, D](capacity)), capacity, platform)
}

func viewLayout[R Reference[R], M, D any](buf []byte, capacity int, init bool) (*Layout[R, M, D], error) {
	if err := checkAligned(buf); err != nil {
		return nil, err
	}
	if size := LayoutSize[R, M, D](capacity); len(buf) < size {
		return nil, fmt.Errorf("layout: buffer has %d bytes, need %d: %w", len(buf), size, ErrLayoutMismatch)
	}
	base := unsafe.Pointer(&buf[0])
	hdr := (*ChannelHeader)(unsafe.Add(base, ChannelOffset[M, D]()))
	elems := unsafe.Slice((*R)(unsafe.Add(base, RecordsOffset[M, D]())), capacity)
	return &Layout[R, M, D]{
		buf:   buf,
		meta:  (*Metadata)(base),
		token: (*Token)(unsafe.Add(base, TokenOffset[M, D]())),
		ch:    newChannelView(hdr, elems, init),
	}, nil
}

func (l *Layout[R, M, D]) Metadata() *Metadata  { return l.meta }
func (l *Layout[R, M, D]) Token() *Token        { return l.token }
func (l *Layout[R, M, D]) Channel() *Channel[R] { return l.ch }
func (l *Layout[R, M, D]) Bytes() []byte        { return l.buf }

// Slot returns worker i's slot.
func (l *Layout[R, M, D]) Slot(i int) *Slot[M, D] {
	if i < 0 || i >= MaxWorkers {
		panic(fmt.Sprintf("Layout: slot %d out of range [0,%d)", i, MaxWorkers))
	}
	return (*Slot[M, D])(unsafe.Add(unsafe.Pointer(&l.buf[0]), SlotOffset[M, D](i)))
}

func checkAligned(buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("layout: empty buffer: %w", ErrLayoutMismatch)
	}
	if addr := uintptr(unsafe.Pointer(&buf[0])); addr%CacheLine != 0 {
		return fmt.Errorf("layout: base address %#x is not %d-byte aligned", addr, CacheLine)
	}
	return nil
}

// alignedBytes returns n zeroed bytes starting on a cache-line boundary.
func alignedBytes(n int) []byte {
	raw := make([]byte, n+CacheLine)
	off := int(uintptr(unsafe.Pointer(&raw[0])) % CacheLine)
	if off != 0 {
		off = CacheLine - off
	}
	return raw[off : off+n : off+n]
}

func checkLayoutTypes[R any, M, D any]() error {
	if err := CheckRecord[R](); err != nil {
		return err
	}
	var m M
	var d D
	if err := checkPlain(reflect.TypeOf(m)); err != nil {
		return fmt.Errorf("model type: %w", err)
	}
	if err := checkPlain(reflect.TypeOf(d)); err != nil {
		return fmt.Errorf("data type: %w", err)
	}
	return nil
}

// CheckRecord verifies that R can be carried through a shared Channel: a
// pointer-free struct whose size is a multiple of 8.
func CheckRecord[R any]() error {
	var r R
	t := reflect.TypeOf(r)
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("record %s: must be a struct", t)
	}
	if err := checkPlain(t); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if t.Size()%8 != 0 {
		return fmt.Errorf("record %s: size %d is not a multiple of 8", t, t.Size())
	}
	return nil
}

func checkPlain(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Array:
		return checkPlain(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if err := checkPlain(t.Field(i).Type); err != nil {
				return fmt.Errorf("%s.%s: %w", t, t.Field(i).Name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%s is not plain data", t)
}
