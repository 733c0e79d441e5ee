package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// SingleWorker runs every simulator on one goroutine reading one cursor.
// Each popped packet is dispatched to all simulators in index order.
type SingleWorker[R Reference[R], M, D any] struct {
	coordinator[R, M, D]
	reader   int
	workers  []*worker[R, M, D]
	wake     signal
	progress signal
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSingleWorker[R Reference[R], M, D any](opts Options) *SingleWorker[R, M, D] {
	t := &SingleWorker[R, M, D]{wake: newSignal(), progress: newSignal()}
	t.coordinator = newCoordinator[R, M, D](opts, t.progress.park)
	return t
}

func (t *SingleWorker[R, M, D]) Kind() TopologyKind { return SingleWorkerTopology }

func (t *SingleWorker[R, M, D]) Build(platform Platform) error {
	if t.layout != nil {
		return nil
	}
	layout, err := AllocLayout[R, M, D](t.opts.Capacity, platform)
	if err != nil {
		return fmt.Errorf("%s: %w", t.opts.Name, err)
	}
	t.layout, t.platform = layout, platform
	return nil
}

// Run builds every simulator on the calling goroutine, then starts the worker
// goroutine.
func (t *SingleWorker[R, M, D]) Run(specs []WorkerSpec[R, M, D]) error {
	if err := t.checkRun(specs); err != nil {
		return err
	}
	t.reader = t.layout.ch.RegisterReader()
	t.layout.meta.NumWorkers = uint32(len(specs))
	ctx, cancel := context.WithCancel(context.Background())
	for i, spec := range specs {
		w := newWorker(i, spec.New(), t.layout.Slot(i), t.layout.token)
		w.yield = runtime.Gosched
		w.stopped = func() bool { return ctx.Err() != nil }
		w.notify = t.progress.post
		if err := w.build(t.buildContext(i, spec)); err != nil {
			cancel()
			t.destroySims()
			return fmt.Errorf("%s: %w: %w", t.opts.Name, ErrWorkersNotReady, err)
		}
		t.workers = append(t.workers, w)
	}
	t.numWorkers = len(specs)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx)
	t.log.Debugf("single worker running %d simulators", len(specs))
	return t.waitReady()
}

func (t *SingleWorker[R, M, D]) loop(ctx context.Context) {
	defer close(t.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	buf := make([]R, drainBatch)
	for {
		select {
		case <-t.wake:
		case <-ctx.Done():
			return
		}
		drain(t.layout.ch, t.reader, buf, t.progress.post, t.workers)
	}
}

func (t *SingleWorker[R, M, D]) Send(refs []R, sizeHint int) {
	if t.numWorkers == 0 {
		return
	}
	t.push(refs, sizeHint, t.wake.post)
}

func (t *SingleWorker[R, M, D]) SendOne(ref R) { t.Send([]R{ref}, 1) }

func (t *SingleWorker[R, M, D]) Destroy() error {
	if t.done != nil {
		t.cancel()
		<-t.done
		t.done = nil
	}
	err := t.destroySims()
	t.layout, t.numWorkers = nil, 0
	return err
}

func (t *SingleWorker[R, M, D]) destroySims() error {
	var errs []error
	for _, w := range t.workers {
		if err := w.sim.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: destroy: %w", w.id, err))
		}
	}
	t.workers = nil
	return errors.Join(errs...)
}
