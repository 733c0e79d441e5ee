package bus

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Topology is a worker deployment strategy behind a Stream.
type Topology[R Reference[R], M, D any] interface {
	// Build allocates the Layout and Channel.
	Build(platform Platform) error
	// Run starts one worker per spec and waits until each one is ready.
	Run(specs []WorkerSpec[R, M, D]) error
	// Send pushes refs, blocking while the slowest worker has less than
	// max(len(refs), sizeHint) free slots.
	Send(refs []R, sizeHint int)
	SendOne(ref R)
	// Destroy stops and joins the workers and releases the Layout.
	Destroy() error

	Built() bool
	Kind() TopologyKind
	NumWorkers() int
	Model(i int) M
	Data(i int) D
	SyncCount(i int) uint32

	ResetSyncFlags()
	WaitSynced(timeout time.Duration) error
	WaitSyncedWorker(i int, timeout time.Duration) error
	ResetToken()
	WaitToken(n int, timeout time.Duration) error

	Stalls() uint64
	ResetStalls()
}

type TopologyKind string

const (
	SingleWorkerTopology TopologyKind = "single-worker"
	MultiWorkerTopology  TopologyKind = "multi-worker"
	MultiProcessTopology TopologyKind = "multi-process"
)

const (
	DefaultCapacity     = 1 << 16
	DefaultReadyTimeout = 5 * time.Second
	DefaultSyncTimeout  = 5 * time.Second
)

// Options configures a Topology.
type Options struct {
	// Name labels logs, metrics and segment names.
	Name string
	// Kind selects the simulator registry in worker processes.
	Kind string
	// Capacity is the number of channel slots.
	Capacity     int
	ReadyTimeout time.Duration
	// Out receives DUMP_INFO reports. Defaults to os.Stdout.
	Out io.Writer
	Log *logrus.Entry
	// Launcher starts worker processes for the multi-process topology.
	Launcher Launcher
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "stream"
	}
	if o.Capacity == 0 {
		o.Capacity = DefaultCapacity
	}
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Log == nil {
		o.Log = logrus.WithField("stream", o.Name)
	}
	if o.Launcher == nil {
		o.Launcher = ExecLauncher
	}
	return o
}

// NewTopology returns the strategy named by kind.
func NewTopology[R Reference[R], M, D any](kind TopologyKind, opts Options) (Topology[R, M, D], error) {
	switch kind {
	case SingleWorkerTopology:
		return NewSingleWorker[R, M, D](opts), nil
	case MultiWorkerTopology:
		return NewMultiWorker[R, M, D](opts), nil
	case MultiProcessTopology:
		return NewMultiProcess[R, M, D](opts), nil
	}
	return nil, fmt.Errorf("unknown topology %q (want %s, %s or %s)", kind,
		SingleWorkerTopology, MultiWorkerTopology, MultiProcessTopology)
}

// coordinator holds the producer-side state shared by all topologies.
type coordinator[R Reference[R], M, D any] struct {
	opts       Options
	log        *logrus.Entry
	platform   Platform
	layout     *Layout[R, M, D]
	numWorkers int
	stalls     atomic.Uint64

	// park blocks the producer for at most d or until a worker makes progress.
	park func(d time.Duration)
	// failure reports a worker that can no longer make progress.
	failure func() error
}

func newCoordinator[R Reference[R], M, D any](opts Options, park func(time.Duration)) coordinator[R, M, D] {
	opts = opts.withDefaults()
	return coordinator[R, M, D]{
		opts:    opts,
		log:     opts.Log,
		park:    park,
		failure: func() error { return nil },
	}
}

func (c *coordinator[R, M, D]) Built() bool     { return c.layout != nil }
func (c *coordinator[R, M, D]) NumWorkers() int { return c.numWorkers }

func (c *coordinator[R, M, D]) slot(i int) *Slot[M, D] {
	if i < 0 || i >= c.numWorkers {
		logrus.Panicf("%s: worker index %d out of range [0,%d)", c.opts.Name, i, c.numWorkers)
	}
	return c.layout.Slot(i)
}

// Model returns worker i's model, or the zero value before Run.
func (c *coordinator[R, M, D]) Model(i int) M {
	if c.layout == nil || c.numWorkers == 0 {
		var zero M
		return zero
	}
	return c.slot(i).model
}

// Data returns the Data worker i published last, or the zero value.
func (c *coordinator[R, M, D]) Data(i int) D {
	if c.layout == nil || c.numWorkers == 0 {
		var zero D
		return zero
	}
	return c.slot(i).data
}

// SyncCount returns how many times worker i has published its Data.
func (c *coordinator[R, M, D]) SyncCount(i int) uint32 {
	if c.layout == nil || c.numWorkers == 0 {
		return 0
	}
	return atomic.LoadUint32(&c.slot(i).syncs)
}

func (c *coordinator[R, M, D]) ResetSyncFlags() {
	if c.layout == nil {
		return
	}
	for i := range c.numWorkers {
		atomic.StoreUint32(&c.layout.Slot(i).synced, 0)
	}
}

func (c *coordinator[R, M, D]) pending() []int {
	var ids []int
	for i := range c.numWorkers {
		if atomic.LoadUint32(&c.layout.Slot(i).synced) == 0 {
			ids = append(ids, i)
		}
	}
	return ids
}

// WaitSynced waits until every worker has set its synced flag.
func (c *coordinator[R, M, D]) WaitSynced(timeout time.Duration) error {
	if c.layout == nil {
		return ErrNotBuilt
	}
	deadline := time.Now().Add(timeout)
	for {
		ids := c.pending()
		if len(ids) == 0 {
			return nil
		}
		if err := c.failure(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%s: workers %v did not sync within %v: %w", c.opts.Name, ids, timeout, ErrSyncTimeout)
		}
		c.park(time.Millisecond)
	}
}

// WaitSyncedWorker waits until worker i has set its synced flag.
func (c *coordinator[R, M, D]) WaitSyncedWorker(i int, timeout time.Duration) error {
	if c.layout == nil {
		return ErrNotBuilt
	}
	if i < 0 || i >= c.numWorkers {
		return fmt.Errorf("%s: worker index %d out of range [0,%d)", c.opts.Name, i, c.numWorkers)
	}
	slot := c.layout.Slot(i)
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(&slot.synced) == 0 {
		if err := c.failure(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%s: worker %d did not sync within %v: %w", c.opts.Name, i, timeout, ErrSyncTimeout)
		}
		c.park(time.Millisecond)
	}
	return nil
}

func (c *coordinator[R, M, D]) ResetToken() {
	if c.layout == nil {
		return
	}
	atomic.StoreUint32(&c.layout.token.value, 0)
}

// WaitToken waits until the dump token reaches n.
func (c *coordinator[R, M, D]) WaitToken(n int, timeout time.Duration) error {
	if c.layout == nil {
		return ErrNotBuilt
	}
	deadline := time.Now().Add(timeout)
	for {
		v := atomic.LoadUint32(&c.layout.token.value)
		if v >= uint32(n) {
			return nil
		}
		if err := c.failure(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%s: dump token stuck at worker %d within %v: %w", c.opts.Name, v, timeout, ErrSyncTimeout)
		}
		c.park(time.Millisecond)
	}
}

func (c *coordinator[R, M, D]) Stalls() uint64 { return c.stalls.Load() }
func (c *coordinator[R, M, D]) ResetStalls()   { c.stalls.Store(0) }

// waitReady is the startup check run after the workers were launched.
func (c *coordinator[R, M, D]) waitReady() error {
	if err := c.WaitSynced(c.opts.ReadyTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkersNotReady, err)
	}
	c.ResetSyncFlags()
	return nil
}

func (c *coordinator[R, M, D]) buildContext(id int, spec WorkerSpec[R, M, D]) *BuildContext {
	return &BuildContext{
		Platform: c.platform,
		Config:   spec.Config,
		WorkerID: id,
		Out:      c.opts.Out,
		Log:      c.log.WithFields(logrus.Fields{"worker": id, "simulator": spec.Name}),
	}
}

func (c *coordinator[R, M, D]) checkRun(specs []WorkerSpec[R, M, D]) error {
	switch {
	case c.layout == nil:
		return ErrNotBuilt
	case c.numWorkers != 0:
		return fmt.Errorf("%s: workers already running", c.opts.Name)
	case len(specs) == 0:
		return fmt.Errorf("%s: %w", c.opts.Name, ErrNoWorkers)
	case len(specs) > MaxWorkers:
		return fmt.Errorf("%s: %d simulators exceed the limit of %d workers", c.opts.Name, len(specs), MaxWorkers)
	}
	return nil
}

// drain pops every record visible to reader and dispatches each to workers
// in index order.
func drain[R Reference[R], M, D any](ch *Channel[R], reader int, buf []R, progress func(), workers []*worker[R, M, D]) {
	for {
		n := ch.PopN(reader, buf)
		if n == 0 {
			return
		}
		progress()
		for _, ref := range buf[:n] {
			for _, w := range workers {
				w.dispatch(ref)
			}
		}
	}
}

// push writes refs into the channel in chunks no larger than its capacity,
// waiting for room and calling post after every chunk.
func (c *coordinator[R, M, D]) push(refs []R, sizeHint int, post func()) {
	ch := c.layout.ch
	capacity := ch.Cap()
	for len(refs) > 0 {
		chunk := refs[:min(len(refs), capacity)]
		need := max(len(chunk), min(sizeHint, capacity))
		for ch.RemainedSpaceAll() < need {
			if err := c.failure(); err != nil {
				c.log.WithError(err).Errorf("dropping %d packets", len(refs))
				return
			}
			c.stalls.Add(1)
			post()
			c.park(time.Millisecond)
		}
		ch.PushN(chunk)
		post()
		refs = refs[len(chunk):]
	}
}
