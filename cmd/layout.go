package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/vpmu/branch"
	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/cache"
	"github.com/inference-sim/vpmu/insn"
)

var layoutCapacity int // Channel slots per layout

// layoutRow is the shared-memory geometry of one stream kind.
type layoutRow struct {
	Kind       string
	Record     uintptr
	SlotStride uintptr
	Slots      uintptr
	Token      uintptr
	Channel    uintptr
	Records    uintptr
	Total      int
}

func rowFor[R bus.Reference[R], M, D any](kind string, capacity int) layoutRow {
	var r R
	return layoutRow{
		Kind:       kind,
		Record:     unsafe.Sizeof(r),
		SlotStride: bus.SlotStride[M, D](),
		Slots:      bus.SlotOffset[M, D](0),
		Token:      bus.TokenOffset[M, D](),
		Channel:    bus.ChannelOffset[M, D](),
		Records:    bus.RecordsOffset[M, D](),
		Total:      bus.LayoutSize[R, M, D](capacity),
	}
}

func layoutRows(capacity int) []layoutRow {
	return []layoutRow{
		rowFor[insn.Reference, insn.Model, insn.Data](insn.Kind, capacity),
		rowFor[branch.Reference, branch.Model, branch.Data](branch.Kind, capacity),
		rowFor[cache.Reference, cache.Model, cache.Data](cache.Kind, capacity),
	}
}

// writeLayout prints one row of region offsets per stream kind.
func writeLayout(w io.Writer, capacity int) error {
	if capacity < 2 {
		return fmt.Errorf("capacity must be >= 2, got %d", capacity)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tRECORD\tSLOT STRIDE\tSLOTS\tTOKEN\tCHANNEL\tRECORDS\tTOTAL")
	for _, r := range layoutRows(capacity) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Kind, r.Record, r.SlotStride, r.Slots, r.Token, r.Channel, r.Records, r.Total)
	}
	return tw.Flush()
}

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the shared-memory layout of every stream kind",
	Run: func(cmd *cobra.Command, args []string) {
		if err := writeLayout(os.Stdout, layoutCapacity); err != nil {
			logrus.Fatalf("layout: %v", err)
		}
	},
}

func init() {
	layoutCmd.Flags().IntVar(&layoutCapacity, "capacity", bus.DefaultCapacity, "Channel slots")

	rootCmd.AddCommand(layoutCmd)
}
