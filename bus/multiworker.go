package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// MultiWorker runs each simulator on its own locked OS thread with its own
// read cursor over a shared heap Layout.
type MultiWorker[R Reference[R], M, D any] struct {
	coordinator[R, M, D]
	wakes    []signal
	progress signal
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

func NewMultiWorker[R Reference[R], M, D any](opts Options) *MultiWorker[R, M, D] {
	t := &MultiWorker[R, M, D]{progress: newSignal()}
	t.coordinator = newCoordinator[R, M, D](opts, t.progress.park)
	t.failure = t.exited
	return t
}

func (t *MultiWorker[R, M, D]) Kind() TopologyKind { return MultiWorkerTopology }

func (t *MultiWorker[R, M, D]) Build(platform Platform) error {
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

func (t *MultiWorker[R, M, D]) Run(specs []WorkerSpec[R, M, D]) error {
	if err := t.checkRun(specs); err != nil {
		return err
	}
	t.numWorkers = len(specs)
	t.layout.meta.NumWorkers = uint32(len(specs))
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		reader := t.layout.ch.RegisterReader()
		wake := newSignal()
		t.wakes = append(t.wakes, wake)
		g.Go(func() error { return t.serve(gctx, i, reader, spec, wake) })
	}
	t.cancel = cancel
	t.done = make(chan struct{})
	go func() {
		t.err = g.Wait()
		close(t.done)
	}()
	t.log.Debugf("multi worker started %d workers", len(specs))
	if err := t.waitReady(); err != nil {
		t.Destroy()
		return err
	}
	return nil
}

func (t *MultiWorker[R, M, D]) serve(ctx context.Context, id, reader int, spec WorkerSpec[R, M, D], wake signal) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sim := spec.New()
	w := newWorker(id, sim, t.layout.Slot(id), t.layout.token)
	w.yield = runtime.Gosched
	w.stopped = func() bool { return ctx.Err() != nil }
	w.notify = t.progress.post
	if err := w.build(t.buildContext(id, spec)); err != nil {
		return err
	}
	defer func() {
		if derr := sim.Destroy(); derr != nil && err == nil {
			err = fmt.Errorf("worker %d: destroy: %w", id, derr)
		}
	}()

	buf := make([]R, drainBatch)
	workers := []*worker[R, M, D]{w}
	for {
		select {
		case <-wake:
		case <-ctx.Done():
			return nil
		}
		drain(t.layout.ch, reader, buf, t.progress.post, workers)
	}
}

// exited reports the first worker failure once every worker has returned.
func (t *MultiWorker[R, M, D]) exited() error {
	if t.done == nil {
		return nil
	}
	select {
	case <-t.done:
		if t.err != nil {
			return t.err
		}
		return ErrWorkerExited
	default:
		return nil
	}
}

func (t *MultiWorker[R, M, D]) Send(refs []R, sizeHint int) {
	if t.numWorkers == 0 {
		return
	}
	t.push(refs, sizeHint, t.postAll)
}

func (t *MultiWorker[R, M, D]) SendOne(ref R) { t.Send([]R{ref}, 1) }

func (t *MultiWorker[R, M, D]) postAll() {
	for _, w := range t.wakes {
		w.post()
	}
}

func (t *MultiWorker[R, M, D]) Destroy() error {
	var err error
	if t.done != nil {
		t.cancel()
		<-t.done
		if t.err != nil && !errors.Is(t.err, context.Canceled) {
			err = t.err
		}
		t.done = nil
	}
	t.layout, t.numWorkers, t.wakes = nil, 0, nil
	return err
}
