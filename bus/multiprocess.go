package bus

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/inference-sim/vpmu/bus/shm"
	"github.com/inference-sim/vpmu/config"
)

const (
	// WorkerCommand is the hidden subcommand a worker process runs.
	WorkerCommand = "worker"
	// EnvWorkerConfig carries the simulator document to a worker process.
	EnvWorkerConfig = "VPMU_WORKER_CONFIG"

	spinInterval      = 20 * time.Microsecond
	heartbeatInterval = 100 * time.Millisecond
	heartbeatGrace    = 2 * time.Second
	stopTimeout       = 2 * time.Second
)

// LaunchRequest names everything a worker process needs to attach.
type LaunchRequest struct {
	Kind      string
	Stream    string
	Segment   string
	WorkerID  int
	Simulator string
	Config    config.Document
	Out       io.Writer
}

// Args returns the worker subcommand flags.
func (r LaunchRequest) Args() []string {
	return []string{
		"--kind", r.Kind,
		"--stream", r.Stream,
		"--segment", r.Segment,
		"--id", strconv.Itoa(r.WorkerID),
	}
}

// Env returns the current environment plus the encoded simulator document.
func (r LaunchRequest) Env() ([]string, error) {
	doc, err := r.Config.Encode()
	if err != nil {
		return nil, err
	}
	return append(os.Environ(), EnvWorkerConfig+"="+doc), nil
}

// Launcher prepares the command for one worker process; the topology starts it.
type Launcher func(req LaunchRequest) (*exec.Cmd, error)

// ExecLauncher re-executes the running binary with the worker subcommand.
func ExecLauncher(req LaunchRequest) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	env, err := req.Env()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe, append([]string{WorkerCommand}, req.Args()...)...)
	cmd.Env = env
	cmd.Stdout = req.Out
	cmd.Stderr = os.Stderr
	return cmd, nil
}

type process struct {
	id   int
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

var segmentSeq atomic.Uint64

// MultiProcess runs each simulator in its own OS process attached to a
// shared-memory Layout.
//
// Worker processes can only write to a file descriptor. When Options.Out is
// not an *os.File, every worker inherits one unlinked spool file and the
// producer copies what they appended to Out once the dump token comes back.
// The workers share the spool's file offset, so token order is append order.
type MultiProcess[R Reference[R], M, D any] struct {
	coordinator[R, M, D]
	seg      *shm.Segment
	procs    []*process
	stopBeat chan struct{}
	beatDone chan struct{}
	spool    *os.File
	spooled  int64
}

func NewMultiProcess[R Reference[R], M, D any](opts Options) *MultiProcess[R, M, D] {
	t := &MultiProcess[R, M, D]{}
	t.coordinator = newCoordinator[R, M, D](opts, func(d time.Duration) { time.Sleep(min(d, spinInterval)) })
	t.failure = t.exited
	return t
}

func (t *MultiProcess[R, M, D]) Kind() TopologyKind { return MultiProcessTopology }

// Segment returns the name of the shared-memory segment, or "" before Build.
func (t *MultiProcess[R, M, D]) Segment() string {
	if t.seg == nil {
		return ""
	}
	return t.seg.Name()
}

func (t *MultiProcess[R, M, D]) Build(platform Platform) error {
	if t.layout != nil {
		return nil
	}
	if err := CheckRecord[R](); err != nil {
		return fmt.Errorf("%s: %w", t.opts.Name, err)
	}
	name := shm.SegmentName(t.opts.Name, os.Getpid(), segmentSeq.Add(1))
	seg, err := shm.Create(name, LayoutSize[R, M, D](t.opts.Capacity))
	if err != nil {
		return fmt.Errorf("%s: %w", t.opts.Name, err)
	}
	layout, err := NewLayout[R, M, D](seg.Bytes(), t.opts.Capacity, platform)
	if err != nil {
		seg.Remove()
		return fmt.Errorf("%s: %w", t.opts.Name, err)
	}
	t.seg, t.layout, t.platform = seg, layout, platform
	t.stopBeat, t.beatDone = make(chan struct{}), make(chan struct{})
	go t.heartbeat()
	t.log.Debugf("shared layout %s: %d bytes", name, len(seg.Bytes()))
	return nil
}

func (t *MultiProcess[R, M, D]) heartbeat() {
	defer close(t.beatDone)
	tick := time.NewTicker(heartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			atomic.AddUint64(&t.layout.token.heartbeat, 1)
		case <-t.stopBeat:
			return
		}
	}
}

func (t *MultiProcess[R, M, D]) Run(specs []WorkerSpec[R, M, D]) error {
	if err := t.checkRun(specs); err != nil {
		return err
	}
	out, err := t.workerOut()
	if err != nil {
		return fmt.Errorf("%s: %w", t.opts.Name, err)
	}
	t.numWorkers = len(specs)
	t.layout.meta.NumWorkers = uint32(len(specs))
	for range specs {
		t.layout.ch.RegisterReader()
	}
	for i, spec := range specs {
		cmd, err := t.opts.Launcher(LaunchRequest{
			Kind:      t.opts.Kind,
			Stream:    t.opts.Name,
			Segment:   t.seg.Name(),
			WorkerID:  i,
			Simulator: spec.Name,
			Config:    spec.Config,
			Out:       out,
		})
		if err == nil {
			err = cmd.Start()
		}
		if err != nil {
			t.Destroy()
			return fmt.Errorf("%s: start worker %d: %w", t.opts.Name, i, err)
		}
		p := &process{id: i, cmd: cmd, done: make(chan struct{})}
		go func() {
			p.err = cmd.Wait()
			close(p.done)
		}()
		t.procs = append(t.procs, p)
		t.log.Debugf("worker %d (%s) started as pid %d", i, spec.Name, cmd.Process.Pid)
	}
	if err := t.waitReady(); err != nil {
		t.Destroy()
		return err
	}
	return nil
}

// workerOut returns the file the worker processes write their dumps to.
func (t *MultiProcess[R, M, D]) workerOut() (*os.File, error) {
	if f, ok := t.opts.Out.(*os.File); ok {
		return f, nil
	}
	f, err := os.CreateTemp("", "vpmu-dump-*")
	if err != nil {
		return nil, fmt.Errorf("create dump spool: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlink dump spool: %w", err)
	}
	t.spool, t.spooled = f, 0
	return f, nil
}

// flushSpool copies everything the workers appended since the last call to
// Out.
func (t *MultiProcess[R, M, D]) flushSpool() error {
	if t.spool == nil {
		return nil
	}
	n, err := io.Copy(t.opts.Out, io.NewSectionReader(t.spool, t.spooled, math.MaxInt64-t.spooled))
	t.spooled += n
	if err != nil {
		return fmt.Errorf("%s: copy dump: %w", t.opts.Name, err)
	}
	return nil
}

// WaitToken waits for the dump token like the other topologies, then
// forwards the spooled reports.
func (t *MultiProcess[R, M, D]) WaitToken(n int, timeout time.Duration) error {
	err := t.coordinator.WaitToken(n, timeout)
	if ferr := t.flushSpool(); err == nil {
		err = ferr
	}
	return err
}

// exited reports the first worker process that is no longer running.
func (t *MultiProcess[R, M, D]) exited() error {
	for _, p := range t.procs {
		select {
		case <-p.done:
			return fmt.Errorf("%s: worker %d (pid %d): %v: %w", t.opts.Name, p.id, p.cmd.Process.Pid, p.err, ErrWorkerExited)
		default:
		}
	}
	return nil
}

func (t *MultiProcess[R, M, D]) Send(refs []R, sizeHint int) {
	if t.numWorkers == 0 {
		return
	}
	t.push(refs, sizeHint, t.postAll)
}

func (t *MultiProcess[R, M, D]) SendOne(ref R) { t.Send([]R{ref}, 1) }

func (t *MultiProcess[R, M, D]) postAll() {
	for i := range t.numWorkers {
		t.layout.Slot(i).sem.Post()
	}
}

// Destroy raises the stop flag, wakes the workers and reaps them. Workers
// still running after the stop timeout are killed.
func (t *MultiProcess[R, M, D]) Destroy() error {
	if t.layout == nil {
		return nil
	}
	atomic.StoreUint32(&t.layout.token.stop, 1)
	t.postAll()
	deadline := time.After(stopTimeout)
	for _, p := range t.procs {
		select {
		case <-p.done:
		case <-deadline:
			t.log.Warnf("worker %d did not stop within %v, killing pid %d", p.id, stopTimeout, p.cmd.Process.Pid)
			p.cmd.Process.Kill()
			<-p.done
		}
	}
	close(t.stopBeat)
	<-t.beatDone
	if err := t.flushSpool(); err != nil {
		t.log.Warn(err)
	}
	if t.spool != nil {
		t.spool.Close()
	}
	err := t.seg.Remove()
	t.procs, t.seg, t.layout, t.numWorkers, t.spool = nil, nil, nil, 0, nil
	if err != nil {
		return fmt.Errorf("%s: %w", t.opts.Name, err)
	}
	return nil
}
