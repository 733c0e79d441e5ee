package bus

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/vpmu/config"
)

var inProcessTopologies = []TopologyKind{SingleWorkerTopology, MultiWorkerTopology}

func newTestStream(t *testing.T, kind TopologyKind, capacity int, out *bytes.Buffer, specs ...WorkerSpec[testRef, testModel, testData]) *Stream[testRef, testModel, testData] {
	t.Helper()
	opts := Options{Name: "test", Capacity: capacity, ReadyTimeout: 2 * time.Second}
	if out != nil {
		opts.Out = out
	}
	impl, err := NewTopology[testRef, testModel, testData](kind, opts)
	require.NoError(t, err)
	s := NewStream("test", impl, StreamOptions{SyncTimeout: 5 * time.Second})
	s.Bind(specs...)
	t.Cleanup(func() { s.Destroy() })
	return s
}

func TestStream_BarrierAfterData_PublishesEveryPacket(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			// GIVEN a built stream with two simulators
			s := newTestStream(t, kind, 64, nil,
				countingSpec(config.Document{"name": "a"}), countingSpec(config.Document{"name": "b"}))
			require.NoError(t, s.Build(testPlatform))

			// WHEN more packets than the channel holds are sent from two cores
			for i := range 1000 {
				s.Send(i%2, dataRef(uint8(i%2), 1))
			}
			require.NoError(t, s.Barrier())
			require.NoError(t, s.WaitSync())

			// THEN each worker's published Data covers exactly the packets sent
			for w := range 2 {
				d := s.Data(w)
				assert.Equal(t, uint64(1000), d.Total())
				assert.Equal(t, uint64(500), d.Count[0])
				assert.Equal(t, uint64(500), d.Count[1])
				assert.Equal(t, uint64(1000), d.Sum)
				assert.Zero(t, d.Other)
			}
			assert.Equal(t, uint64(1000), s.Stats().Packets)
		})
	}
}

func TestStream_RepeatedSync_IsStable(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			s := newTestStream(t, kind, 16, nil, countingSpec(config.Document{"name": "a"}))
			require.NoError(t, s.Build(testPlatform))
			for range 10 {
				s.Send(0, dataRef(0, 2))
			}

			require.NoError(t, s.Sync())
			first := s.Data(0)
			require.NoError(t, s.Sync())

			assert.Equal(t, first, s.Data(0))
			assert.Equal(t, uint64(10), first.Total())
			assert.Equal(t, uint32(2), s.SyncCount(0))
		})
	}
}

func TestStream_Reset_ZeroesDataAndStats(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			// GIVEN a stream that has counted packets
			s := newTestStream(t, kind, 64, nil, countingSpec(config.Document{"name": "a"}))
			require.NoError(t, s.Build(testPlatform))
			for range 20 {
				s.Send(3, dataRef(3, 1))
			}
			require.NoError(t, s.Sync())
			require.Equal(t, uint64(20), s.Data(0).Total())

			// WHEN the stream is reset twice
			require.NoError(t, s.Reset())
			require.NoError(t, s.Reset())

			// THEN the published Data and the stats are zero
			assert.Equal(t, testData{}, s.Data(0))
			assert.Equal(t, Stats{}, s.Stats())

			// AND counting resumes from zero
			s.Send(3, dataRef(3, 1))
			require.NoError(t, s.Sync())
			assert.Equal(t, uint64(1), s.Data(0).Count[3])
		})
	}
}

func TestStream_Dump_WritesInWorkerOrder(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			// GIVEN worker 0 is slower to dump than workers 1 and 2
			var out bytes.Buffer
			s := newTestStream(t, kind, 16, &out,
				countingSpec(config.Document{"name": "slow", "dump delay": 50}),
				countingSpec(config.Document{"name": "b"}),
				countingSpec(config.Document{"name": "c"}))
			require.NoError(t, s.Build(testPlatform))

			// WHEN the stream dumps
			require.NoError(t, s.Dump())

			// THEN the reports appear in worker-index order
			assert.Equal(t, "worker 0\nworker 1\nworker 2\n", out.String())
		})
	}
}

func TestStream_HotPacket_RoutesByCapability(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			// GIVEN one simulator with a hot path and one without
			s := newTestStream(t, kind, 16, nil,
				hotSpec(config.Document{"name": "hot"}), countingSpec(config.Document{"name": "plain"}))
			require.NoError(t, s.Build(testPlatform))

			// WHEN hot packets are sent
			for range 5 {
				s.Send(0, testRef{Type: Hot(PacketData), Core: 0, Value: 3})
			}
			require.NoError(t, s.Sync())

			// THEN the hot simulator took the fast path
			hot := s.Data(0)
			assert.Equal(t, uint64(5), hot.Hot)
			assert.Zero(t, hot.Total())
			// AND the other saw them with the state bits stripped
			plain := s.Data(1)
			assert.Equal(t, uint64(5), plain.Count[0])
			assert.Equal(t, uint64(15), plain.Sum)
			assert.Zero(t, plain.Other)
		})
	}
}

func TestStream_SendsAfterBarrier_NotInSnapshot(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			// GIVEN a stream whose channel holds only 7 records
			s := newTestStream(t, kind, 8, nil,
				countingSpec(config.Document{"name": "a"}), countingSpec(config.Document{"name": "b"}))
			require.NoError(t, s.Build(testPlatform))

			for round := 1; round <= 20; round++ {
				// WHEN 100 packets precede a barrier and 100 more follow it
				// through the full channel
				for range 100 {
					s.Send(0, dataRef(0, 1))
				}
				require.NoError(t, s.Barrier())
				batch := make([]testRef, 100)
				for i := range batch {
					batch[i] = dataRef(1, 1)
				}
				s.SendBatch(batch, 1)
				require.NoError(t, s.WaitSync())

				// THEN the barrier snapshot stops exactly at the barrier
				for w := range 2 {
					d := s.Data(w)
					require.Equal(t, uint64(200*round-100), d.Total(), "round %d worker %d", round, w)
					require.Equal(t, uint64(100*round), d.Count[0])
				}

				// AND a sync publishes the rest
				require.NoError(t, s.Sync())
				for w := range 2 {
					require.Equal(t, uint64(200*round), s.Data(w).Total(), "round %d worker %d", round, w)
				}
			}
		})
	}
}

func TestStream_WaitSyncWorker_WaitsForOneWorker(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			// GIVEN a built stream with two simulators and a pending barrier
			s := newTestStream(t, kind, 64, nil,
				countingSpec(config.Document{"name": "a"}), countingSpec(config.Document{"name": "b"}))
			require.NoError(t, s.Build(testPlatform))
			for range 300 {
				s.Send(0, dataRef(0, 1))
			}
			require.NoError(t, s.Barrier())

			// WHEN the caller waits on the second worker only
			require.NoError(t, s.WaitSyncWorker(1))

			// THEN its Data is published
			assert.Equal(t, uint64(300), s.Data(1).Total())
			assert.Equal(t, uint32(1), s.SyncCount(1))

			// AND an unknown worker is an error, not a wait
			assert.ErrorContains(t, s.WaitSyncWorker(2), "out of range")
			assert.ErrorContains(t, s.WaitSyncWorker(-1), "out of range")
			require.NoError(t, s.WaitSync())
		})
	}
}

func TestStream_WaitSyncWorkerBeforeBuild_ReturnsErrNotBuilt(t *testing.T) {
	s := newTestStream(t, SingleWorkerTopology, 64, nil, countingSpec(config.Document{"name": "a"}))

	assert.ErrorIs(t, s.WaitSyncWorker(0), ErrNotBuilt)
}

func TestSingleWorker_Build_AllocatesProcessLocalLayout(t *testing.T) {
	// GIVEN a single-worker topology
	impl := NewSingleWorker[testRef, testModel, testData](Options{Name: "local", Capacity: 32})

	// WHEN it is built
	require.NoError(t, impl.Build(testPlatform))
	defer impl.Destroy()

	// THEN the layout lives on the heap with the full channel capacity
	require.True(t, impl.Built())
	assert.Len(t, impl.layout.Bytes(), LayoutSize[testRef, testModel, testData](32))
	assert.Equal(t, 31, impl.layout.Channel().Cap())
	assert.Equal(t, LayoutMagic, impl.layout.Metadata().Magic)
}

func TestStream_Model_PublishedAtBuild(t *testing.T) {
	s := newTestStream(t, MultiWorkerTopology, 16, nil,
		countingSpec(config.Document{"name": "first", "id": 7}), countingSpec(config.Document{"name": "second"}))

	// GIVEN an unbuilt stream THEN Model and Data are zero values
	assert.Equal(t, testModel{}, s.Model(0))
	assert.Equal(t, testData{}, s.Data(0))
	assert.Zero(t, s.SyncCount(0))

	require.NoError(t, s.Build(testPlatform))

	first, second := s.Model(0), s.Model(1)
	assert.Equal(t, "first", Name(first.Name[:]))
	assert.Equal(t, uint64(7), first.ID)
	assert.Equal(t, "second", Name(second.Name[:]))
	assert.Equal(t, uint64(1), second.ID)
	assert.Equal(t, 2, s.NumWorkers())
	assert.Zero(t, s.SyncCount(0))
}

func TestStream_ControlBeforeBuild_ReturnsErrNotBuilt(t *testing.T) {
	s := newTestStream(t, SingleWorkerTopology, 16, nil, countingSpec(config.Document{"name": "a"}))

	assert.ErrorIs(t, s.Sync(), ErrNotBuilt)
	assert.ErrorIs(t, s.Barrier(), ErrNotBuilt)
	assert.ErrorIs(t, s.WaitSync(), ErrNotBuilt)
	assert.ErrorIs(t, s.Dump(), ErrNotBuilt)
	assert.ErrorIs(t, s.Reset(), ErrNotBuilt)
}

func TestStream_BuildWithoutSimulators_ReturnsErrNoWorkers(t *testing.T) {
	s := newTestStream(t, SingleWorkerTopology, 16, nil)

	assert.ErrorIs(t, s.Build(testPlatform), ErrNoWorkers)
}

func TestStream_BuildInvalidPlatform_Fails(t *testing.T) {
	s := newTestStream(t, SingleWorkerTopology, 16, nil, countingSpec(config.Document{"name": "a"}))

	assert.Error(t, s.Build(Platform{CPUCores: MaxCPUCores + 1, FrequencyMHz: 1}))
	assert.False(t, s.Topology().Built())
}

func TestStream_BuildTwice_IsNoop(t *testing.T) {
	s := newTestStream(t, SingleWorkerTopology, 16, nil, countingSpec(config.Document{"name": "a"}))
	require.NoError(t, s.Build(testPlatform))
	s.Send(0, dataRef(0, 1))

	require.NoError(t, s.Build(testPlatform))
	require.NoError(t, s.Sync())

	assert.Equal(t, 1, s.NumWorkers())
	assert.Equal(t, uint64(1), s.Data(0).Total())
}

func TestStream_FailingBuild_ReturnsErrWorkersNotReady(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			s := newTestStream(t, kind, 16, nil,
				countingSpec(config.Document{"name": "ok"}), countingSpec(config.Document{"name": "bad", "fail": true}))

			err := s.Build(testPlatform)

			assert.ErrorIs(t, err, ErrWorkersNotReady)
			assert.Zero(t, s.NumWorkers())
		})
	}
}

func TestStream_ConcurrentCores_CountsEveryPacket(t *testing.T) {
	for _, kind := range inProcessTopologies {
		t.Run(string(kind), func(t *testing.T) {
			// GIVEN one producer goroutine per core
			const cores, perCore = 4, 5000
			s := newTestStream(t, kind, 128, nil, countingSpec(config.Document{"name": "a"}))
			require.NoError(t, s.Build(testPlatform))

			var wg sync.WaitGroup
			for c := range cores {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range perCore {
						s.Send(c, dataRef(uint8(c), 1))
					}
				}()
			}

			// WHEN a barrier is raised while they run
			require.NoError(t, s.Barrier())
			require.NoError(t, s.WaitSync())
			wg.Wait()
			require.NoError(t, s.Sync())

			// THEN the final snapshot has every packet of every core
			d := s.Data(0)
			for c := range cores {
				assert.Equal(t, uint64(perCore), d.Count[c])
			}
			assert.Greater(t, s.Stats().Flushes, uint64(0))
		})
	}
}

func TestStream_SendBatch_BypassesLocalBuffer(t *testing.T) {
	s := newTestStream(t, SingleWorkerTopology, 8, nil, countingSpec(config.Document{"name": "a"}))
	require.NoError(t, s.Build(testPlatform))
	refs := make([]testRef, 30)
	for i := range refs {
		refs[i] = dataRef(2, uint64(i))
	}

	s.SendBatch(refs, 4)
	require.NoError(t, s.Sync())

	assert.Equal(t, uint64(30), s.Data(0).Count[2])
	assert.Equal(t, uint64(435), s.Data(0).Sum)
	assert.Zero(t, s.Stats().Flushes)
}

func TestStream_SendCoreOutOfRange_Panics(t *testing.T) {
	s := newTestStream(t, SingleWorkerTopology, 8, nil, countingSpec(config.Document{"name": "a"}))

	assert.Panics(t, func() { s.Send(MaxCores, dataRef(0, 0)) })
	assert.Panics(t, func() { s.Send(-1, dataRef(0, 0)) })
}

func TestStream_Destroy_FlushesAndDestroysSimulators(t *testing.T) {
	var destroyed bool
	spec := WorkerSpec[testRef, testModel, testData]{
		Name:   "a",
		Config: config.Document{"name": "a"},
		New: func() Simulator[testRef, testModel, testData] {
			return &countingSim{destroyed: &destroyed}
		},
	}
	s := newTestStream(t, SingleWorkerTopology, 8, nil, spec)
	require.NoError(t, s.Build(testPlatform))
	s.Send(0, dataRef(0, 1))

	require.NoError(t, s.Destroy())

	assert.True(t, destroyed)
	assert.Equal(t, uint64(1), s.Stats().Packets)
	assert.Zero(t, s.NumWorkers())
}

func TestStream_Metrics_RegisteredWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	impl := NewSingleWorker[testRef, testModel, testData](Options{Name: "m", Capacity: 16})
	s := NewStream("m", impl, StreamOptions{Registerer: reg})
	s.Bind(countingSpec(config.Document{"name": "a"}))
	t.Cleanup(func() { s.Destroy() })
	require.NoError(t, s.Build(testPlatform))

	for range 3 {
		s.Send(0, dataRef(0, 1))
	}
	require.NoError(t, s.Sync())

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				assert.Contains(t, []string{"stream", "topology", "type"}, l.GetName())
			}
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["vpmu_stream_packets_total"])
	assert.Equal(t, 1.0, values["vpmu_stream_control_packets_total"])
	assert.Contains(t, values, "vpmu_stream_backpressure_stalls")
	assert.Contains(t, values, "vpmu_stream_local_flushes_total")

	// a second stream with the same name does not fail registration
	again := NewStream("m", impl, StreamOptions{Registerer: reg})
	assert.NotNil(t, again)
}
