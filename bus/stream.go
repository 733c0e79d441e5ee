package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// LocalBufferSize is the number of records buffered per core before a flush.
const LocalBufferSize = 256

type StreamOptions struct {
	// SyncTimeout bounds Sync, WaitSync, Reset and Dump. Defaults to 5s.
	SyncTimeout time.Duration
	// Registerer receives the auxiliary counters; nil keeps them private.
	Registerer prometheus.Registerer
}

// Stats are the auxiliary transport counters since the last Reset.
type Stats struct {
	Packets        uint64
	ControlPackets uint64
	Flushes        uint64
	Stalls         uint64
}

type localBuffer[R any] struct {
	mu  sync.Mutex
	n   int
	buf [LocalBufferSize]R
}

// Stream is the producer-facing façade over a Topology. Each core appends to
// its own local buffer; full buffers and control operations go through the
// stream mutex, which keeps the Channel single-writer.
//
// Lock order is local buffer, then stream.
type Stream[R Reference[R], M, D any] struct {
	name        string
	log         *logrus.Entry
	impl        Topology[R, M, D]
	specs       []WorkerSpec[R, M, D]
	syncTimeout time.Duration

	mu    sync.Mutex
	local [MaxCores]*localBuffer[R]

	packets  atomic.Uint64
	controls atomic.Uint64
	flushes  atomic.Uint64
	metrics  *metrics
}

func NewStream[R Reference[R], M, D any](name string, impl Topology[R, M, D], opts StreamOptions) *Stream[R, M, D] {
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	s := &Stream[R, M, D]{
		name:        name,
		log:         logrus.WithField("stream", name),
		impl:        impl,
		syncTimeout: opts.SyncTimeout,
		metrics:     newMetrics(name, impl, opts.Registerer),
	}
	for i := range s.local {
		s.local[i] = &localBuffer[R]{}
	}
	return s
}

func (s *Stream[R, M, D]) Name() string                { return s.name }
func (s *Stream[R, M, D]) Topology() Topology[R, M, D] { return s.impl }

// Bind adds simulators to the stream. It must be called before Build.
func (s *Stream[R, M, D]) Bind(specs ...WorkerSpec[R, M, D]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, specs...)
}

// Build allocates the transport for platform and starts one worker per bound
// simulator. Building a running stream is a no-op.
func (s *Stream[R, M, D]) Build(platform Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.impl.NumWorkers() > 0 {
		return nil
	}
	if len(s.specs) == 0 {
		return fmt.Errorf("%s: %w", s.name, ErrNoWorkers)
	}
	if err := platform.Validate(); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if err := s.impl.Build(platform); err != nil {
		return err
	}
	if err := s.impl.Run(s.specs); err != nil {
		s.impl.Destroy()
		return err
	}
	s.log.Infof("%d simulators on %s", len(s.specs), s.impl.Kind())
	return nil
}

// Destroy flushes the local buffers and tears down the transport.
func (s *Stream[R, M, D]) Destroy() error {
	s.flushAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.impl.Destroy()
}

// Send buffers ref for core. One producer goroutine per core is assumed.
func (s *Stream[R, M, D]) Send(core int, ref R) {
	if core < 0 || core >= MaxCores {
		logrus.Panicf("%s: core %d out of range [0,%d)", s.name, core, MaxCores)
	}
	b := s.local[core]
	b.mu.Lock()
	b.buf[b.n] = ref
	b.n++
	if b.n == LocalBufferSize {
		s.mu.Lock()
		s.flush(b)
		s.mu.Unlock()
	}
	b.mu.Unlock()
}

// SendBatch pushes refs directly, bypassing the local buffers.
func (s *Stream[R, M, D]) SendBatch(refs []R, sizeHint int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impl.Send(refs, sizeHint)
	s.count(len(refs))
}

func (s *Stream[R, M, D]) count(n int) {
	s.packets.Add(uint64(n))
	s.metrics.packets.Add(float64(n))
}

// flush must hold both b.mu and s.mu.
func (s *Stream[R, M, D]) flush(b *localBuffer[R]) {
	if b.n == 0 {
		return
	}
	s.impl.Send(b.buf[:b.n], b.n)
	s.count(b.n)
	b.n = 0
	s.flushes.Add(1)
	s.metrics.flushes.Inc()
}

func (s *Stream[R, M, D]) flushAll() {
	for _, b := range s.local {
		b.mu.Lock()
		s.mu.Lock()
		s.flush(b)
		s.mu.Unlock()
		b.mu.Unlock()
	}
}

// control flushes every local buffer, sends control packet t and, when wait
// is set, blocks until every worker acknowledged it.
func (s *Stream[R, M, D]) control(t PacketType, wait bool) error {
	s.flushAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.impl.NumWorkers() == 0 {
		return fmt.Errorf("%s: %s: %w", s.name, t, ErrNotBuilt)
	}
	if t == PacketDumpInfo {
		s.impl.ResetToken()
	} else {
		s.impl.ResetSyncFlags()
	}
	s.impl.SendOne(controlPacket[R](t))
	s.controls.Add(1)
	s.metrics.controls.WithLabelValues(t.String()).Inc()
	if !wait {
		return nil
	}
	if t == PacketDumpInfo {
		return s.impl.WaitToken(s.impl.NumWorkers(), s.syncTimeout)
	}
	return s.impl.WaitSynced(s.syncTimeout)
}

// Barrier asks every worker to publish its Data without waiting.
func (s *Stream[R, M, D]) Barrier() error { return s.control(PacketBarrier, false) }

// WaitSync waits for the acknowledgements of the last Barrier.
func (s *Stream[R, M, D]) WaitSync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.impl.NumWorkers() == 0 {
		return fmt.Errorf("%s: %w", s.name, ErrNotBuilt)
	}
	return s.impl.WaitSynced(s.syncTimeout)
}

// WaitSyncWorker waits for worker i's acknowledgement of the last Barrier,
// so its Data can be read while slower workers are still catching up.
func (s *Stream[R, M, D]) WaitSyncWorker(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.impl.NumWorkers() == 0 {
		return fmt.Errorf("%s: %w", s.name, ErrNotBuilt)
	}
	return s.impl.WaitSyncedWorker(i, s.syncTimeout)
}

// Sync publishes every worker's Data and waits for it.
func (s *Stream[R, M, D]) Sync() error { return s.control(PacketSyncData, true) }

// Dump has every worker write its report in worker-index order.
func (s *Stream[R, M, D]) Dump() error { return s.control(PacketDumpInfo, true) }

// Reset zeroes every worker's Data and the stream's Stats, and waits until
// the zeroed Data is published.
func (s *Stream[R, M, D]) Reset() error {
	if err := s.control(PacketReset, true); err != nil {
		return err
	}
	s.packets.Store(0)
	s.controls.Store(0)
	s.flushes.Store(0)
	s.impl.ResetStalls()
	return nil
}

func (s *Stream[R, M, D]) NumWorkers() int        { return s.impl.NumWorkers() }
func (s *Stream[R, M, D]) Model(i int) M          { return s.impl.Model(i) }
func (s *Stream[R, M, D]) Data(i int) D           { return s.impl.Data(i) }
func (s *Stream[R, M, D]) SyncCount(i int) uint32 { return s.impl.SyncCount(i) }

func (s *Stream[R, M, D]) Stats() Stats {
	return Stats{
		Packets:        s.packets.Load(),
		ControlPackets: s.controls.Load(),
		Flushes:        s.flushes.Load(),
		Stalls:         s.impl.Stalls(),
	}
}
