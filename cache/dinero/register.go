package dinero

import (
	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/cache"
)

// Registers the simulator with the cache stream as "dinero".
func init() {
	cache.Simulators.Register("dinero", func() bus.Simulator[cache.Reference, cache.Model, cache.Data] {
		return New()
	})
}
