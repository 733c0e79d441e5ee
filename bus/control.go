package bus

import (
	"fmt"
	"sync/atomic"
)

// drainBatch is the number of records a worker pops per channel access.
const drainBatch = 256

// worker runs one simulator: it owns the private Data and publishes it into
// the slot on BARRIER, SYNC_DATA and RESET.
type worker[R Reference[R], M, D any] struct {
	id    int
	sim   Simulator[R, M, D]
	hot   HotProcessor[R, D]
	data  D
	slot  *Slot[M, D]
	token *Token

	// yield runs while waiting for the dump token; stopped aborts that wait.
	yield   func()
	stopped func() bool
	// notify wakes the producer after a publish or a token pass.
	notify func()
}

func newWorker[R Reference[R], M, D any](id int, sim Simulator[R, M, D], slot *Slot[M, D], token *Token) *worker[R, M, D] {
	w := &worker[R, M, D]{
		id:      id,
		sim:     sim,
		slot:    slot,
		token:   token,
		yield:   func() {},
		stopped: func() bool { return false },
		notify:  func() {},
	}
	w.hot, _ = sim.(HotProcessor[R, D])
	return w
}

// build runs the simulator's Build, stores the model and marks the worker
// ready.
func (w *worker[R, M, D]) build(ctx *BuildContext) error {
	var m M
	if err := w.sim.Build(ctx, &m); err != nil {
		return fmt.Errorf("worker %d: build: %w", w.id, err)
	}
	w.slot.model = m
	atomic.StoreUint32(&w.slot.synced, 1)
	w.notify()
	return nil
}

func (w *worker[R, M, D]) dispatch(ref R) {
	t := ref.PacketType()
	switch {
	case t == PacketDumpInfo:
		if !w.waitTurn() {
			return
		}
		w.sim.ProcessPacket(w.id, ref, &w.data)
		atomic.StoreUint32(&w.token.value, uint32(w.id+1))
		w.notify()
		return
	case t.IsHot():
		if w.hot != nil {
			w.hot.ProcessHotPacket(w.id, ref, &w.data)
		} else {
			w.sim.ProcessPacket(w.id, StripState(ref), &w.data)
		}
		return
	}
	w.sim.ProcessPacket(w.id, ref, &w.data)
	switch t {
	case PacketBarrier, PacketSyncData:
		w.publish()
	case PacketReset:
		var zero D
		w.data = zero
		w.publish()
	}
}

func (w *worker[R, M, D]) waitTurn() bool {
	for atomic.LoadUint32(&w.token.value) != uint32(w.id) {
		if w.stopped() {
			return false
		}
		w.yield()
	}
	return true
}

func (w *worker[R, M, D]) publish() {
	w.slot.data = w.data
	atomic.AddUint32(&w.slot.syncs, 1)
	atomic.StoreUint32(&w.slot.synced, 1)
	w.notify()
}
