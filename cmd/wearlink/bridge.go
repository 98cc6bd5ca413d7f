package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/wearlink/bridge"
	"github.com/srg/wearlink/internal/device"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <address>",
	Short: "Expose a wearable link as a pseudo-terminal",
	Long: `Connect to the wearable at <address> and expose the link as a PTY.

Bytes written to the terminal are split into MTU-sized writes on the write
channel; notifications are written back to the terminal. Any serial tool can
then talk to the wearable through the printed device path or --symlink.

The bridge runs until Ctrl+C or until the link drops.`,
	Example: `  wearlink bridge AA:BB:CC:DD:EE:FF
  wearlink bridge AA:BB:CC:DD:EE:FF --symlink /tmp/wearable`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var bridgeSymlink string

func init() {
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY at this path")
}

func runBridge(cmd *cobra.Command, args []string) error {
	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	peer := device.Peer{Address: args[0]}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := openLink(cfg, logger)
	defer link.close()

	br := bridge.New(link.manager, bridge.Options{
		ChunkSize:   cfg.ChunkSize(),
		SymlinkPath: bridgeSymlink,
	}, logger)
	link.listen(br.Handle, (&eventPrinter{out: cmd.ErrOrStderr(), states: true}).handle)

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+peer.Address, "connecting",
		device.ServicesReady.String(), device.Disconnected.String())
	progress.Start()
	err = link.connect(ctx, peer, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	defer func() { _ = br.Stop() }()

	fmt.Fprintf(out, "Bridge ready: %s\n", br.TTYName())
	if path := br.TTYSymlink(); path != "" {
		fmt.Fprintf(out, "Symlink: %s -> %s\n", path, br.TTYName())
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	err = link.waitDisconnected(ctx)

	if stopErr := br.Stop(); stopErr != nil {
		logger.WithError(stopErr).Warn("Bridge did not stop cleanly")
	}
	stats := br.Stats()
	fmt.Fprintf(out, "Bridge closed: %d bytes to wearable (%d send errors), %d bytes from wearable\n",
		stats.Forwarded, stats.SendErrors, stats.Delivered)

	if errors.Is(err, context.Canceled) {
		// Ctrl+C is the normal way to end a bridge
		return nil
	}
	return err
}
