package bus

import "fmt"

const (
	// MaxCPUCores bounds per-core arrays in kind Data types.
	MaxCPUCores = 16
	// MaxGPUCores bounds the GPU cores a Platform may declare.
	MaxGPUCores = 16
	// MaxCores is the number of producer core indices a Stream accepts.
	MaxCores = MaxCPUCores + MaxGPUCores
)

// Platform describes the emulated machine. It is bound to a stream at Build
// and copied into the Layout metadata so worker processes see the same value.
type Platform struct {
	CPUCores     uint32
	GPUCores     uint32
	FrequencyMHz uint64
}

// Validate checks the core counts against the compiled bounds.
func (p Platform) Validate() error {
	if p.CPUCores == 0 || p.CPUCores > MaxCPUCores {
		return fmt.Errorf("platform: cpu cores must be in [1,%d], got %d", MaxCPUCores, p.CPUCores)
	}
	if p.GPUCores > MaxGPUCores {
		return fmt.Errorf("platform: gpu cores must be <= %d, got %d", MaxGPUCores, p.GPUCores)
	}
	if p.FrequencyMHz == 0 {
		return fmt.Errorf("platform: frequency must be > 0")
	}
	return nil
}

// Cores returns the total number of producer cores.
func (p Platform) Cores() int { return int(p.CPUCores + p.GPUCores) }

// SetName copies s into the fixed-size name field dst, truncating if needed
// and always leaving a terminating zero byte.
func SetName(dst []byte, s string) {
	clear(dst)
	if len(dst) == 0 {
		return
	}
	copy(dst[:len(dst)-1], s)
}

// Name returns the zero-terminated string stored in a fixed-size name field.
func Name(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}
