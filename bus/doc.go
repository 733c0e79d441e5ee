// Package bus moves fine-grained execution events from producer cores to
// pluggable timing simulators without stalling the producers.
//
// # Transport
//
// A [Channel] is a fixed-capacity ring written by one producer and read by up
// to [MaxReaders] workers, each through its own cursor. A [Layout] packages
// the channel together with the per-worker slots (semaphore, synced flag,
// published Model and Data) and the dump token in one contiguous block, so
// the same typed view works over heap memory or a shared mapping.
//
// # Topologies
//
// A [Topology] decides where simulators run:
//   - [SingleWorker]: one goroutine, every simulator in index order.
//   - [MultiWorker]: one locked OS thread and one cursor per simulator.
//   - [MultiProcess]: one OS process per simulator over a bus/shm segment,
//     started by a [Launcher] that re-executes the binary.
//
// # Control protocol
//
// Control packets travel in the same channel as data, so each one is applied
// after every earlier data packet:
//   - BARRIER and SYNC_DATA publish each worker's Data into its slot.
//   - DUMP_INFO has workers write their reports one after another, in index
//     order, by passing the token.
//   - RESET zeroes Data while keeping the Model.
//
// # Façade
//
// [Stream] wraps a topology with per-core local buffers, flushes every buffer
// before a control packet, and exposes the published Model and Data. Kind
// packages (branch, cache, insn) wrap Stream with typed helpers.
package bus
