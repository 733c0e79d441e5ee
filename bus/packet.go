package bus

import "fmt"

// PacketType tags every record moved through a Channel. The low byte is the
// kind-specific data subtype; the high bits belong to the bus.
type PacketType uint16

const (
	PacketData    PacketType = 0x0000
	PacketControl PacketType = 0x8000
	PacketHot     PacketType = 0x0800
	// StateMask covers the state bits (hot, ...) carried by data packets.
	StateMask PacketType = 0x0F00

	PacketBarrier  = 0x00FF | PacketControl
	PacketSyncData = 0x00EF | PacketControl
	PacketDumpInfo = 0x00DF | PacketControl
	PacketReset    = 0x00CF | PacketControl
)

// IsControl reports whether t is one of the bus control types.
func (t PacketType) IsControl() bool { return t&PacketControl != 0 }

// IsHot reports whether t is a data packet flagged for the fast path.
func (t PacketType) IsHot() bool { return !t.IsControl() && t&PacketHot != 0 }

// Stripped returns t without its state bits.
func (t PacketType) Stripped() PacketType { return t &^ StateMask }

func (t PacketType) String() string {
	switch t {
	case PacketBarrier:
		return "barrier"
	case PacketSyncData:
		return "sync"
	case PacketDumpInfo:
		return "dump"
	case PacketReset:
		return "reset"
	}
	if t.IsHot() {
		return fmt.Sprintf("data(0x%02x,hot)", uint16(t.Stripped()))
	}
	return fmt.Sprintf("data(0x%02x)", uint16(t))
}

// Hot returns the data type t with the hot state bit set.
func Hot(t PacketType) PacketType {
	if t.IsControl() {
		panic(fmt.Sprintf("bus: cannot mark control packet %s as hot", t))
	}
	return t | PacketHot
}

// Reference is the constraint every record type satisfies. Records must be
// plain, pointer-free structs so that a Channel can live in shared memory.
type Reference[R any] interface {
	PacketType() PacketType
	WithPacketType(t PacketType) R
}

// StripState clones ref without its state bits.
func StripState[R Reference[R]](ref R) R {
	return ref.WithPacketType(ref.PacketType().Stripped())
}

// controlPacket builds a zero record carrying the control type t.
func controlPacket[R Reference[R]](t PacketType) R {
	var zero R
	return zero.WithPacketType(t)
}
