package bus

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/bus/shm"
)

// WorkerRequest is what a worker process needs to serve one slot of a shared
// Layout.
type WorkerRequest[R Reference[R], M, D any] struct {
	Segment  string
	WorkerID int
	Spec     WorkerSpec[R, M, D]
	Out      io.Writer
	Log      *logrus.Entry
	// ParentPID is the producer process; defaults to os.Getppid().
	ParentPID int
}

// ServeWorker attaches to the segment, builds the simulator and drains the
// worker's cursor until the producer raises the stop flag, ctx is cancelled,
// or the producer disappears.
func ServeWorker[R Reference[R], M, D any](ctx context.Context, req WorkerRequest[R, M, D]) (err error) {
	if req.Out == nil {
		req.Out = os.Stdout
	}
	if req.ParentPID == 0 {
		req.ParentPID = os.Getppid()
	}
	log := req.Log
	if log == nil {
		log = logrus.WithFields(logrus.Fields{"segment": req.Segment, "worker": req.WorkerID})
	}

	seg, err := shm.Open(req.Segment)
	if err != nil {
		return err
	}
	defer seg.Close()
	layout, err := AttachLayout[R, M, D](seg.Bytes())
	if err != nil {
		return fmt.Errorf("attach %s: %w", req.Segment, err)
	}
	if req.WorkerID < 0 || req.WorkerID >= int(layout.meta.NumWorkers) {
		return fmt.Errorf("attach %s: worker %d out of range [0,%d)", req.Segment, req.WorkerID, layout.meta.NumWorkers)
	}

	slot := layout.Slot(req.WorkerID)
	live := &liveness{token: layout.token, ppid: req.ParentPID, since: time.Now()}
	stopped := func() bool {
		return ctx.Err() != nil || atomic.LoadUint32(&layout.token.stop) != 0 || live.lost()
	}
	sim := req.Spec.New()
	w := newWorker(req.WorkerID, sim, slot, layout.token)
	w.yield = func() { time.Sleep(spinInterval) }
	w.stopped = stopped

	bctx := &BuildContext{
		Platform: layout.meta.Platform,
		Config:   req.Spec.Config,
		WorkerID: req.WorkerID,
		Out:      req.Out,
		Log:      log.WithField("simulator", req.Spec.Name),
	}
	if err := w.build(bctx); err != nil {
		return err
	}
	defer func() {
		if derr := sim.Destroy(); derr != nil && err == nil {
			err = fmt.Errorf("worker %d: destroy: %w", req.WorkerID, derr)
		}
	}()
	log.Debugf("worker attached to %s", req.Segment)

	buf := make([]R, drainBatch)
	workers := []*worker[R, M, D]{w}
	for slot.sem.Wait(stopped) {
		drain(layout.ch, req.WorkerID, buf, func() {}, workers)
	}
	if live.dead {
		log.Warnf("producer %d is gone, exiting", req.ParentPID)
	}
	return nil
}

// liveness watches the producer heartbeat. The producer counts as gone once
// the heartbeat has stalled for the grace period and its pid no longer exists.
type liveness struct {
	token *Token
	ppid  int
	last  uint64
	since time.Time
	dead  bool
}

func (l *liveness) lost() bool {
	hb := atomic.LoadUint64(&l.token.heartbeat)
	if hb != l.last {
		l.last, l.since = hb, time.Now()
		return false
	}
	if time.Since(l.since) < heartbeatGrace {
		return false
	}
	l.dead = !shm.ProcessAlive(l.ppid)
	return l.dead
}
