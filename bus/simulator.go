package bus

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/config"
)

// BuildContext is handed to a simulator when its worker starts.
type BuildContext struct {
	Platform Platform
	Config   config.Document
	WorkerID int
	// Out receives DUMP_INFO reports.
	Out io.Writer
	Log *logrus.Entry
}

// Simulator is a pluggable timing model. ProcessPacket is called for every
// data and control packet, in channel order, on the worker's own goroutine
// or process. Data is the worker's private accumulator.
type Simulator[R Reference[R], M, D any] interface {
	Build(ctx *BuildContext, model *M) error
	ProcessPacket(workerID int, ref R, data *D)
	Destroy() error
}

// HotProcessor is implemented by simulators with a fast path for packets
// carrying the hot state bit. Simulators without it receive hot packets
// through ProcessPacket with the state bits stripped.
type HotProcessor[R Reference[R], D any] interface {
	ProcessHotPacket(workerID int, ref R, data *D)
}

// UnexpectedPacket aborts on a packet type the simulator does not handle.
func UnexpectedPacket(sim string, t PacketType) {
	logrus.Panicf("%s: unexpected packet type %s (0x%04x)", sim, t, uint16(t))
}

// WorkerSpec describes one worker: the registered simulator name, its
// configuration, and the factory that instantiates it.
type WorkerSpec[R Reference[R], M, D any] struct {
	Name   string
	Config config.Document
	New    func() Simulator[R, M, D]
}

// Registry maps simulator names to factories for one event kind.
// Implementation packages register from init().
type Registry[R Reference[R], M, D any] struct {
	mu        sync.RWMutex
	factories map[string]func() Simulator[R, M, D]
}

func NewRegistry[R Reference[R], M, D any]() *Registry[R, M, D] {
	return &Registry[R, M, D]{factories: make(map[string]func() Simulator[R, M, D])}
}

// Register adds a factory. Registering a name twice panics.
func (r *Registry[R, M, D]) Register(name string, factory func() Simulator[R, M, D]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("Registry: simulator %q registered twice", name))
	}
	r.factories[name] = factory
}

func (r *Registry[R, M, D]) Lookup(name string) (func() Simulator[R, M, D], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered names, sorted.
func (r *Registry[R, M, D]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs resolves each document's "name" into a WorkerSpec.
func (r *Registry[R, M, D]) Specs(docs []config.Document) ([]WorkerSpec[R, M, D], error) {
	specs := make([]WorkerSpec[R, M, D], 0, len(docs))
	for i, doc := range docs {
		name, err := doc.String("name")
		if err != nil {
			return nil, fmt.Errorf("simulator %d: %w", i, err)
		}
		f, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("simulator %d %q (known: %v): %w", i, name, r.Names(), config.ErrUnknownSimulator)
		}
		specs = append(specs, WorkerSpec[R, M, D]{Name: name, Config: doc, New: f})
	}
	return specs, nil
}
