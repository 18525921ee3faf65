// cmd/sdsim is a command-line harness for the SD/MMC bus driver stack: it builds a bus with a
// fixed number of slots backed by simulated controllers, inserts media, and drives reads and
// writes through it while displaying the IRP traversal's results.
//
// Grounded on the teacher's cmd/elsie entry point (main.go, internal/cli/cmd/demo.go): a logger
// wired up front, subcommands registered against a root, exit code surfaced via os.Exit. The
// teacher's own hand-rolled flag.FlagSet command dispatcher is replaced with cobra's command tree,
// which carries the persistent --debug flag and per-subcommand flags. The only subcommand is demo,
// which starts every slot with media present and does one write/read round trip per slot.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/smoynes/sdpdo/internal/iobuf"
	"github.com/smoynes/sdpdo/internal/irp"
	"github.com/smoynes/sdpdo/internal/log"
	"github.com/smoynes/sdpdo/internal/sd"
	"github.com/smoynes/sdpdo/internal/sdhc"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		return 1
	}

	return 0
}

func newRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:   "sdsim",
		Short: "Simulated SD/MMC bus driver harness",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				log.LogLevel.Set(log.Debug)
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newDemoCommand())

	return root
}

func newDemoCommand() *cobra.Command {
	var (
		slots      int
		blockCount uint64
		blockSize  uint32
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Build a bus, insert media in every slot, and perform a write/read round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			return runDemo(ctx, cmd.OutOrStdout(), slots, blockCount, blockSize)
		},
	}

	cmd.Flags().IntVar(&slots, "slots", 2, "number of bus slots to simulate")
	cmd.Flags().Uint64Var(&blockCount, "block-count", 64, "simulated card size, in blocks")
	cmd.Flags().Uint32Var(&blockSize, "block-size", 512, "simulated card block size, in bytes")

	return cmd
}

func runDemo(ctx context.Context, out io.Writer, slots int, blockCount uint64, blockSize uint32) error {
	logger := log.DefaultLogger()

	factory := func(slotIndex int, onMediaChange sdhc.MediaChangeFunc) sdhc.Controller {
		return sdhc.Create(sdhc.Init{MediaChangeCallback: onMediaChange}, sdhc.WithMedia(blockCount, blockSize))
	}

	busDevice := sd.NewBus("sdbus0", slots, factory, logger)
	bus := busDevice.Context.(*sd.BusContext)

	queueCtx, cancelQueue := context.WithCancel(ctx)
	defer cancelQueue()

	queueDone := make(chan error, 1)
	go func() { queueDone <- bus.Run(queueCtx, 2) }()

	if status, err := sendStateChange(busDevice, irp.StartDevice); err != nil || !status.OK() {
		return fmt.Errorf("start bus: status=%s err=%w", status, err)
	}

	children, err := queryChildren(busDevice)
	if err != nil {
		return err
	}

	for idx, slotDevice := range children {
		if _, err := sendStateChange(slotDevice, irp.StartDevice); err != nil {
			return fmt.Errorf("start slot %d: %w", idx, err)
		}

		// QueryChildren itself runs the slot's probe algorithm inline, blocking for the settle
		// delay as needed (spec.md §4.4), so no extra wait is required here.
		disks, err := queryChildren(slotDevice)
		if err != nil {
			return err
		}

		if len(disks) == 0 {
			fmt.Fprintf(out, "slot %d: no media\n", idx)
			continue
		}

		if err := exerciseDisk(out, disks[0], blockSize); err != nil {
			return fmt.Errorf("slot %d: %w", idx, err)
		}
	}

	return nil
}

func sendStateChange(dev *irp.Device, minor irp.MinorCode) (irp.Status, error) {
	i, err := irp.Create(dev, irp.StateChange, 0)
	if err != nil {
		return irp.InsufficientResources, err
	}
	defer irp.Destroy(i)

	irp.Initialize(i, minor)

	return irp.SendSynchronous(i)
}

func queryChildren(dev *irp.Device) ([]*irp.Device, error) {
	i, err := irp.Create(dev, irp.StateChange, 0)
	if err != nil {
		return nil, err
	}
	defer irp.Destroy(i)

	irp.Initialize(i, irp.QueryChildren)

	if _, err := irp.SendSynchronous(i); err != nil {
		return nil, err
	}

	return i.StateChange.Children, nil
}

func exerciseDisk(out io.Writer, disk *irp.Device, blockSize uint32) error {
	if status, err := irp.OpenDevice(disk); err != nil || !status.OK() {
		return fmt.Errorf("open: status=%s err=%w", status, err)
	}
	defer irp.CloseDevice(disk)

	payload := make([]byte, blockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeBuf := iobuf.New(payload, 0, 0)

	status, wparams, err := irp.WriteDevice(disk, 0, int64(blockSize), writeBuf)
	if err != nil || !status.OK() {
		return fmt.Errorf("write: status=%s err=%w", status, err)
	}

	fmt.Fprintf(out, "  wrote %d bytes\n", wparams.BytesCompleted)

	readBuf := iobuf.New(make([]byte, blockSize), 0, 0)

	status, rparams, err := irp.ReadDevice(disk, 0, int64(blockSize), readBuf)
	if err != nil || !status.OK() {
		return fmt.Errorf("read: status=%s err=%w", status, err)
	}

	fmt.Fprintf(out, "  read %d bytes, first byte=%d\n", rparams.BytesCompleted, readBuf.Bytes()[0])

	return nil
}
