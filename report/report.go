// Package report renders the counters published by every stream as JSON.
package report

import (
	"fmt"
	"io"

	"github.com/sugawarayuuta/sonnet"

	"github.com/inference-sim/vpmu/branch"
	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/cache"
	"github.com/inference-sim/vpmu/insn"
)

type Report struct {
	Platform Platform `json:"platform"`
	Streams  []Stream `json:"streams"`
}

type Platform struct {
	CPUCores     uint32 `json:"cpu_cores"`
	GPUCores     uint32 `json:"gpu_cores"`
	FrequencyMHz uint64 `json:"frequency_mhz"`
}

type Stream struct {
	Kind           string   `json:"kind"`
	Topology       string   `json:"topology"`
	Packets        uint64   `json:"packets"`
	ControlPackets uint64   `json:"control_packets"`
	Flushes        uint64   `json:"flushes"`
	Stalls         uint64   `json:"stalls"`
	Workers        []Worker `json:"workers"`
}

type Worker struct {
	Index     int               `json:"index"`
	Simulator string            `json:"simulator"`
	Syncs     uint32            `json:"syncs"`
	Counters  map[string]uint64 `json:"counters"`
}

func New(p bus.Platform) *Report {
	return &Report{Platform: Platform{CPUCores: p.CPUCores, GPUCores: p.GPUCores, FrequencyMHz: p.FrequencyMHz}}
}

func newStream[R bus.Reference[R], M, D any](kind string, s *bus.Stream[R, M, D]) Stream {
	st := s.Stats()
	return Stream{
		Kind:           kind,
		Topology:       string(s.Topology().Kind()),
		Packets:        st.Packets,
		ControlPackets: st.ControlPackets,
		Flushes:        st.Flushes,
		Stalls:         st.Stalls,
	}
}

// AddBranch appends the branch stream's published counters.
func (r *Report) AddBranch(s *branch.Stream) {
	out := newStream(branch.Kind, s.Stream)
	cores := int(r.Platform.CPUCores)
	for i := range s.NumWorkers() {
		correct, wrong := s.Data(i).Totals(cores)
		out.Workers = append(out.Workers, Worker{
			Index:     i,
			Simulator: s.Model(i).String(),
			Syncs:     s.SyncCount(i),
			Counters: map[string]uint64{
				"correct": correct,
				"wrong":   wrong,
				"cycles":  s.Cycles(i, -1),
			},
		})
	}
	r.Streams = append(r.Streams, out)
}

// AddCache appends the cache stream's published counters.
func (r *Report) AddCache(s *cache.Stream) {
	out := newStream(cache.Kind, s.Stream)
	cores := int(r.Platform.CPUCores)
	for i := range s.NumWorkers() {
		m, d := s.Model(i), s.Data(i).Reduce(cores)
		counters := map[string]uint64{
			"memory_accesses": d.MemoryAccesses,
			"memory_time_ns":  d.MemoryTimeNs,
			"cycles":          s.Cycles(i, -1),
		}
		l1i, l1d := d.InsnCache[cache.ProcessorCPU][cache.L1][0], d.DataCache[cache.ProcessorCPU][cache.L1][0]
		counters["l1i_accesses"], counters["l1i_misses"] = l1i.Accesses(), l1i.Misses()
		counters["l1d_accesses"], counters["l1d_misses"] = l1d.Accesses(), l1d.Misses()
		for lv := cache.L2; lv <= min(int(m.Levels), cache.L3); lv++ {
			c := d.DataCache[cache.ProcessorCPU][lv][0]
			counters[fmt.Sprintf("l%d_accesses", lv)] = c.Accesses()
			counters[fmt.Sprintf("l%d_misses", lv)] = c.Misses()
		}
		out.Workers = append(out.Workers, Worker{Index: i, Simulator: m.String(), Syncs: s.SyncCount(i), Counters: counters})
	}
	r.Streams = append(r.Streams, out)
}

// AddInsn appends the instruction stream's published counters.
func (r *Report) AddInsn(s *insn.Stream) {
	out := newStream(insn.Kind, s.Stream)
	cores := int(r.Platform.CPUCores)
	for i := range s.NumWorkers() {
		d := s.Data(i)
		all, user := d.SumAll(cores), d.User.Sum(cores)
		out.Workers = append(out.Workers, Worker{
			Index:     i,
			Simulator: s.Model(i).String(),
			Syncs:     s.SyncCount(i),
			Counters: map[string]uint64{
				"cycles":       all.Cycles,
				"instructions": all.TotalInsn,
				"user_insns":   user.TotalInsn,
				"loads":        all.Load,
				"stores":       all.Store,
				"branches":     all.Branch,
			},
		})
	}
	r.Streams = append(r.Streams, out)
}

// Write encodes r to w followed by a newline.
func (r *Report) Write(w io.Writer) error {
	data, err := sonnet.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Decode parses a report produced by Write.
func Decode(data []byte) (*Report, error) {
	var r Report
	if err := sonnet.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
