package bus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/vpmu/config"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runHelperWorker())
	}
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

type testRef struct {
	Type  PacketType
	Core  uint8
	_     [5]byte
	Value uint64
}

func (r testRef) PacketType() PacketType { return r.Type }

func (r testRef) WithPacketType(t PacketType) testRef {
	r.Type = t
	return r
}

type testModel struct {
	Name [32]byte
	ID   uint64
}

type testData struct {
	Count [MaxCores]uint64
	Sum   uint64
	Hot   uint64
	Other uint64
}

func (d testData) Total() uint64 {
	var n uint64
	for _, c := range d.Count {
		n += c
	}
	return n
}

// countingSim counts data packets per core. Its document accepts "id",
// "dump delay" (milliseconds slept before writing the dump line) and "fail".
type countingSim struct {
	model     testModel
	out       io.Writer
	dumpDelay time.Duration
	destroyed *bool
}

func (s *countingSim) Build(ctx *BuildContext, model *testModel) error {
	if fail, _ := ctx.Config.BoolOr("fail", false); fail {
		return errors.New("refusing to build")
	}
	id, err := ctx.Config.IntOr("id", ctx.WorkerID)
	if err != nil {
		return err
	}
	delay, err := ctx.Config.IntOr("dump delay", 0)
	if err != nil {
		return err
	}
	SetName(s.model.Name[:], ctx.Config.Name())
	s.model.ID = uint64(id)
	s.dumpDelay = time.Duration(delay) * time.Millisecond
	s.out = ctx.Out
	*model = s.model
	return nil
}

func (s *countingSim) ProcessPacket(id int, ref testRef, data *testData) {
	switch ref.Type {
	case PacketData:
		data.Count[ref.Core]++
		data.Sum += ref.Value
	case PacketDumpInfo:
		time.Sleep(s.dumpDelay)
		fmt.Fprintf(s.out, "worker %d\n", id)
	case PacketBarrier, PacketSyncData, PacketReset:
	default:
		data.Other++
	}
}

func (s *countingSim) Destroy() error {
	if s.destroyed != nil {
		*s.destroyed = true
	}
	return nil
}

// hotSim also handles hot packets on the fast path.
type hotSim struct{ countingSim }

func (s *hotSim) ProcessHotPacket(id int, ref testRef, data *testData) {
	data.Hot++
	data.Sum += ref.Value
}

func countingSpec(doc config.Document) WorkerSpec[testRef, testModel, testData] {
	return WorkerSpec[testRef, testModel, testData]{
		Name:   doc.Name(),
		Config: doc,
		New:    func() Simulator[testRef, testModel, testData] { return &countingSim{} },
	}
}

func hotSpec(doc config.Document) WorkerSpec[testRef, testModel, testData] {
	return WorkerSpec[testRef, testModel, testData]{
		Name:   doc.Name(),
		Config: doc,
		New:    func() Simulator[testRef, testModel, testData] { return &hotSim{} },
	}
}

var testPlatform = Platform{CPUCores: 4, FrequencyMHz: 1000}

func dataRef(core uint8, v uint64) testRef {
	return testRef{Type: PacketData, Core: core, Value: v}
}
