// Package branch carries branch-resolution events to branch predictor
// simulators.
package branch

import (
	"fmt"
	"io"

	"github.com/inference-sim/vpmu/bus"
)

// Kind names the branch stream in configuration and worker processes.
const Kind = "branch"

// Reference is one resolved branch.
type Reference struct {
	Type  bus.PacketType
	Core  uint8
	Taken uint8
	_     [4]byte
	PC    uint64
}

func (r Reference) PacketType() bus.PacketType { return r.Type }

func (r Reference) WithPacketType(t bus.PacketType) Reference {
	r.Type = t
	return r
}

// Model is what a predictor reports about itself at Build.
type Model struct {
	Name [128]byte
	// Latency is the penalty in cycles of one misprediction.
	Latency uint32
	_       uint32
}

func (m Model) String() string { return bus.Name(m.Name[:]) }

// Data counts predictions per core.
type Data struct {
	Correct [bus.MaxCPUCores]uint64
	Wrong   [bus.MaxCPUCores]uint64
}

// Totals sums each counter over the first cores entries.
func (d Data) Totals(cores int) (correct, wrong uint64) {
	for i := range min(cores, bus.MaxCPUCores) {
		correct += d.Correct[i]
		wrong += d.Wrong[i]
	}
	return correct, wrong
}

// Reduce folds every core's counters into core 0.
func (d Data) Reduce(cores int) Data {
	var out Data
	out.Correct[0], out.Wrong[0] = d.Totals(cores)
	return out
}

func (d Data) Add(o Data) Data {
	for i := range d.Correct {
		d.Correct[i] += o.Correct[i]
		d.Wrong[i] += o.Wrong[i]
	}
	return d
}

func (d Data) Sub(o Data) Data {
	for i := range d.Correct {
		d.Correct[i] -= o.Correct[i]
		d.Wrong[i] -= o.Wrong[i]
	}
	return d
}

// WriteCounters prints the accuracy, correct and wrong counts per core.
func WriteCounters(w io.Writer, d Data, cores int) {
	cores = min(cores, bus.MaxCPUCores)
	fmt.Fprint(w, "    -> predict accuracy         :")
	for i := range cores {
		fmt.Fprintf(w, " %17.2f |", float64(d.Correct[i])/float64(d.Correct[i]+d.Wrong[i]+1))
	}
	fmt.Fprint(w, "\n    -> correct prediction       :")
	for i := range cores {
		fmt.Fprintf(w, " %17d |", d.Correct[i])
	}
	fmt.Fprint(w, "\n    -> wrong prediction         :")
	for i := range cores {
		fmt.Fprintf(w, " %17d |", d.Wrong[i])
	}
	fmt.Fprintln(w)
}
