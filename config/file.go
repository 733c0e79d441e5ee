package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the stream configuration file. Every top-level section is listed so
// strict decoding rejects typos.
type File struct {
	Platform PlatformConfig `yaml:"platform"`
	Streams  Streams        `yaml:"streams"`
}

type PlatformConfig struct {
	CPUCores     uint32 `yaml:"cpu_cores"`
	GPUCores     uint32 `yaml:"gpu_cores"`
	FrequencyMHz uint64 `yaml:"frequency_mhz"`
}

// Streams holds one optional section per event kind.
type Streams struct {
	Insn   *StreamConfig `yaml:"insn"`
	Branch *StreamConfig `yaml:"branch"`
	Cache  *StreamConfig `yaml:"cache"`
}

// StreamConfig configures one stream. Zero values select the defaults.
type StreamConfig struct {
	Topology     string        `yaml:"topology"`
	Capacity     int           `yaml:"capacity"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
	Simulators   []Document    `yaml:"simulators"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration file with strict field checking.
func Parse(data []byte) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks stream sections for values that can never work.
func (f *File) Validate() error {
	for _, s := range []struct {
		kind string
		cfg  *StreamConfig
	}{{"insn", f.Streams.Insn}, {"branch", f.Streams.Branch}, {"cache", f.Streams.Cache}} {
		if s.cfg == nil {
			continue
		}
		if s.cfg.Capacity < 0 || s.cfg.Capacity == 1 {
			return fmt.Errorf("stream %s: capacity must be 0 (default) or >= 2, got %d", s.kind, s.cfg.Capacity)
		}
		if len(s.cfg.Simulators) == 0 {
			return fmt.Errorf("stream %s: no simulators configured", s.kind)
		}
		for i, doc := range s.cfg.Simulators {
			if doc.Name() == "" {
				return fmt.Errorf("stream %s: simulator %d: %q: %w", s.kind, i, "name", ErrMissingKey)
			}
		}
	}
	return nil
}

// Default returns the configuration used when no file is given: a four-core
// platform with every stream enabled on its default topology.
func Default() *File {
	return &File{
		Platform: PlatformConfig{CPUCores: 4, FrequencyMHz: 1000},
		Streams: Streams{
			Insn: &StreamConfig{Simulators: []Document{
				{"name": "in order", "cycles per insn": 1.0},
			}},
			Branch: &StreamConfig{Simulators: []Document{
				{"name": "two bits", "miss latency": 10},
				{"name": "one bit", "miss latency": 10},
			}},
			Cache: &StreamConfig{Topology: "multi-worker", Simulators: []Document{
				{
					"name":           "dinero",
					"levels":         2,
					"memory latency": 100,
					"l1i":            Document{"size": 32768, "block size": 64, "latency": 1},
					"l1d":            Document{"size": 32768, "block size": 64, "latency": 2, "write back": true, "write allocate": true},
					"l2":             Document{"size": 262144, "block size": 64, "latency": 10, "write back": true, "write allocate": true},
				},
			}},
		},
	}
}
