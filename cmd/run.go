package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/vpmu/branch"
	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/cache"
	"github.com/inference-sim/vpmu/config"
	"github.com/inference-sim/vpmu/insn"
	"github.com/inference-sim/vpmu/report"
	"github.com/inference-sim/vpmu/workload"
)

var (
	seed       int64  // Seed for the synthetic workload
	events     int    // Events generated per core
	syncEvery  int    // Events per core between barriers
	reportPath string // Report destination; stdout when empty
)

// runPlan describes the synthetic producer run.
type runPlan struct {
	Seed      int64
	Events    int
	SyncEvery int
}

// controller is the control surface shared by every stream kind.
type controller interface {
	Name() string
	Build(bus.Platform) error
	Barrier() error
	WaitSync() error
	Sync() error
	Dump() error
	Destroy() error
}

// session holds the streams enabled by one configuration file.
type session struct {
	platform bus.Platform
	insn     *insn.Stream
	branch   *branch.Stream
	cache    *cache.Stream
	streams  []controller
}

func openSession(f *config.File, out io.Writer, reg prometheus.Registerer) (*session, error) {
	s := &session{platform: platformOf(f)}
	opts := bus.Options{Out: out}
	sopts := bus.StreamOptions{Registerer: reg}
	var err error
	if cfg := f.Streams.Insn; cfg != nil {
		if s.insn, err = insn.NewStream(cfg, opts, sopts); err != nil {
			return nil, err
		}
		s.streams = append(s.streams, s.insn)
	}
	if cfg := f.Streams.Branch; cfg != nil {
		if s.branch, err = branch.NewStream(cfg, opts, sopts); err != nil {
			return nil, err
		}
		s.streams = append(s.streams, s.branch)
	}
	if cfg := f.Streams.Cache; cfg != nil {
		if s.cache, err = cache.NewStream(cfg, opts, sopts); err != nil {
			return nil, err
		}
		s.streams = append(s.streams, s.cache)
	}
	if len(s.streams) == 0 {
		return nil, fmt.Errorf("no streams configured")
	}
	return s, nil
}

func (s *session) each(op string, fn func(controller) error) error {
	for _, st := range s.streams {
		if err := fn(st); err != nil {
			return fmt.Errorf("%s %s: %w", op, st.Name(), err)
		}
	}
	return nil
}

func (s *session) build() error {
	return s.each("build", func(c controller) error { return c.Build(s.platform) })
}

// barrier raises a barrier on every stream before waiting for any of them.
func (s *session) barrier() error {
	if err := s.each("barrier", controller.Barrier); err != nil {
		return err
	}
	return s.each("wait sync", controller.WaitSync)
}

func (s *session) destroy() {
	for _, st := range s.streams {
		if err := st.Destroy(); err != nil {
			logrus.WithField("stream", st.Name()).Warnf("destroy: %v", err)
		}
	}
}

// produce sends n events drawn from gen for core.
func (s *session) produce(ctx context.Context, core int, gen *workload.Generator, n int) error {
	c := uint8(core)
	for range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := gen.Next()
		if s.insn != nil {
			mode := insn.ModeUser
			if e.System {
				mode = insn.ModeSystem
			}
			s.insn.Send(c, mode, insn.Block{PC: e.PC, Insns: e.Insns, Loads: e.Loads, Stores: e.Stores, Branches: 1})
		}
		if s.branch != nil {
			s.branch.Send(c, e.BranchPC, e.Taken)
		}
		if s.cache != nil {
			s.cache.SendHot(cache.ProcessorCPU, c, e.PC, cache.PacketInsn, e.FetchSize())
			typ := cache.PacketRead
			if e.Write {
				typ = cache.PacketWrite
			}
			s.cache.SendHot(cache.ProcessorCPU, c, e.DataAddr, typ, 8)
		}
	}
	return nil
}

// runWorkload builds every configured stream, drives wl from one goroutine
// per core with a barrier every wl.SyncEvery events, then dumps to dumpOut
// and writes the JSON report to reportOut.
func runWorkload(ctx context.Context, f *config.File, wl runPlan, dumpOut, reportOut io.Writer, reg prometheus.Registerer) error {
	if wl.Events < 0 {
		return fmt.Errorf("events must be >= 0, got %d", wl.Events)
	}
	s, err := openSession(f, dumpOut, reg)
	if err != nil {
		return err
	}
	defer s.destroy()
	if err := s.build(); err != nil {
		return err
	}

	cores := int(s.platform.CPUCores)
	rng := workload.NewPartitionedRNG(workload.Key(wl.Seed))
	gens := make([]*workload.Generator, cores)
	for core := range gens {
		gens[core] = workload.NewGenerator(core, rng.ForCore(core))
	}
	step := wl.SyncEvery
	if step <= 0 {
		step = wl.Events
	}
	for done := 0; done < wl.Events; {
		n := min(step, wl.Events-done)
		g, gctx := errgroup.WithContext(ctx)
		for core := range cores {
			g.Go(func() error { return s.produce(gctx, core, gens[core], n) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		done += n
		if err := s.barrier(); err != nil {
			return err
		}
		logrus.Infof("%d/%d events per core published", done, wl.Events)
	}

	if err := s.each("sync", controller.Sync); err != nil {
		return err
	}
	if err := s.each("dump", controller.Dump); err != nil {
		return err
	}

	rep := report.New(s.platform)
	if s.insn != nil {
		rep.AddInsn(s.insn)
	}
	if s.branch != nil {
		rep.AddBranch(s.branch)
	}
	if s.cache != nil {
		rep.AddCache(s.cache)
	}
	return rep.Write(reportOut)
}

// dumpWriter keeps stdout for the JSON report unless the report goes to a
// file.
func dumpWriter(reportPath string) io.Writer {
	if reportPath == "" {
		return os.Stderr
	}
	return os.Stdout
}

// logMetrics writes every gathered counter at debug level.
func logMetrics(g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		logrus.Debugf("gather metrics: %v", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fields := logrus.Fields{}
			for _, lp := range m.GetLabel() {
				fields[lp.GetName()] = lp.GetValue()
			}
			value := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				value = g.GetValue()
			}
			logrus.WithFields(fields).Debugf("%s = %v", mf.GetName(), value)
		}
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the configured streams with a synthetic multi-core workload",
	Run: func(cmd *cobra.Command, args []string) {
		f, err := loadConfig()
		if err != nil {
			logrus.Fatalf("unable to load stream config; %v", err)
		}
		// Worker processes read their log level from the environment.
		if err := os.Setenv("VPMU_LOG", logLevel); err != nil {
			logrus.Fatalf("set worker log level: %v", err)
		}

		out := io.Writer(os.Stdout)
		path := viper.GetString("report")
		if path != "" {
			file, err := os.Create(path)
			if err != nil {
				logrus.Fatalf("unable to create report; %v", err)
			}
			defer file.Close()
			out = file
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		reg := prometheus.NewRegistry()
		wl := runPlan{
			Seed:      viper.GetInt64("seed"),
			Events:    viper.GetInt("events"),
			SyncEvery: viper.GetInt("sync-every"),
		}
		logrus.Infof("Starting workload: %d events per core on %d cores", wl.Events, f.Platform.CPUCores)
		if err := runWorkload(ctx, f, wl, dumpWriter(path), out, reg); err != nil {
			stop()
			logrus.Fatalf("run failed; %v", err)
		}
		logMetrics(reg)
	},
}

func init() {
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for the synthetic workload")
	runCmd.Flags().IntVar(&events, "events", 100000, "Events generated per core")
	runCmd.Flags().IntVar(&syncEvery, "sync-every", 10000, "Events per core between barriers (0 syncs only at the end)")
	runCmd.Flags().StringVar(&reportPath, "report", "", "Write the JSON report to this file instead of stdout; the dump moves to stderr otherwise")
	for _, name := range []string{"seed", "events", "sync-every", "report"} {
		_ = viper.BindPFlag(name, runCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(runCmd)
}
