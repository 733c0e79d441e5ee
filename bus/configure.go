package bus

import "github.com/inference-sim/vpmu/config"

// NewConfiguredStream builds an unstarted Stream from a configuration
// section: it picks the topology (def when unset), resolves the simulators
// through reg and binds them.
func NewConfiguredStream[R Reference[R], M, D any](kind string, def TopologyKind, reg *Registry[R, M, D],
	cfg *config.StreamConfig, opts Options, sopts StreamOptions) (*Stream[R, M, D], error) {
	topology := TopologyKind(cfg.Topology)
	if topology == "" {
		topology = def
	}
	if opts.Name == "" {
		opts.Name = kind
	}
	opts.Kind = kind
	if cfg.Capacity != 0 {
		opts.Capacity = cfg.Capacity
	}
	if cfg.ReadyTimeout != 0 {
		opts.ReadyTimeout = cfg.ReadyTimeout
	}
	if cfg.SyncTimeout != 0 {
		sopts.SyncTimeout = cfg.SyncTimeout
	}
	impl, err := NewTopology[R, M, D](topology, opts)
	if err != nil {
		return nil, err
	}
	specs, err := reg.Specs(cfg.Simulators)
	if err != nil {
		return nil, err
	}
	s := NewStream(opts.Name, impl, sopts)
	s.Bind(specs...)
	return s, nil
}
