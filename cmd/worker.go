package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/vpmu/branch"
	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/cache"
	"github.com/inference-sim/vpmu/config"
	"github.com/inference-sim/vpmu/insn"
)

var (
	workerKind    string // Stream kind selecting the simulator registry
	workerStream  string // Producer stream name, for logs
	workerSegment string // Shared-memory segment to attach
	workerID      int    // Slot index in the layout
)

type serveFunc func(ctx context.Context, segment string, id int, doc config.Document, out io.Writer) error

var workerKinds = map[string]serveFunc{
	insn.Kind:   insn.ServeWorker,
	branch.Kind: branch.ServeWorker,
	cache.Kind:  cache.ServeWorker,
}

// serveWorker runs the simulator described by the encoded document in env.
func serveWorker(ctx context.Context, kind, segment string, id int, env string, out io.Writer) error {
	serve, ok := workerKinds[kind]
	if !ok {
		return fmt.Errorf("unknown stream kind %q", kind)
	}
	doc, err := config.DecodeDocument(env)
	if err != nil {
		return fmt.Errorf("%s: %w", bus.EnvWorkerConfig, err)
	}
	return serve(ctx, segment, id, doc, out)
}

var workerCmd = &cobra.Command{
	Use:    bus.WorkerCommand,
	Short:  "Serve one simulator attached to a producer's shared-memory layout",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := logrus.WithFields(logrus.Fields{"stream": workerStream, "worker": workerID})
		log.Debugf("attaching to %s", workerSegment)
		if err := serveWorker(ctx, workerKind, workerSegment, workerID, os.Getenv(bus.EnvWorkerConfig), os.Stdout); err != nil {
			stop()
			log.Fatalf("worker failed; %v", err)
		}
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerKind, "kind", "", "Stream kind (insn, branch, cache)")
	workerCmd.Flags().StringVar(&workerStream, "stream", "", "Producer stream name")
	workerCmd.Flags().StringVar(&workerSegment, "segment", "", "Shared-memory segment name")
	workerCmd.Flags().IntVar(&workerID, "id", 0, "Worker slot index")
	_ = workerCmd.MarkFlagRequired("kind")
	_ = workerCmd.MarkFlagRequired("segment")

	rootCmd.AddCommand(workerCmd)
}
