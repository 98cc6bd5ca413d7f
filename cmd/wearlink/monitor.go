package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/journal"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <address>",
	Short: "Connect to a wearable and print its events",
	Long: `Connect to the wearable at <address>, subscribe to its notify channel and
print every state change and notification as it arrives. With --json only the
journal is printed, as a JSON array.

Monitoring ends on Ctrl+C, after --duration, or when the link drops and is not
re-established. With --reconnect N a dropped link is re-connected up to N times
with exponential backoff. A summary of the event journal is printed at the end.`,
	Example: `  wearlink monitor AA:BB:CC:DD:EE:FF
  wearlink monitor AA:BB:CC:DD:EE:FF --reconnect 5
  wearlink monitor AA:BB:CC:DD:EE:FF --duration 30s --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

var (
	monitorDuration  time.Duration
	monitorJSON      bool
	monitorReconnect int
)

func init() {
	monitorCmd.Flags().DurationVar(&monitorDuration, "duration", 0, "Stop monitoring after this long (0 runs until Ctrl+C)")
	monitorCmd.Flags().BoolVar(&monitorJSON, "json", false, "Print the journal summary as JSON")
	monitorCmd.Flags().IntVar(&monitorReconnect, "reconnect", 0, "Reconnect attempts after the link drops (default: reconnect_attempts from the config)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("reconnect") {
		if monitorReconnect < 0 {
			return fmt.Errorf("invalid --reconnect %d: must not be negative", monitorReconnect)
		}
		cfg.ReconnectAttempts = monitorReconnect
	}
	cmd.SilenceUsage = true

	j, err := journal.New(cfg.JournalCapacity)
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}

	out := cmd.OutOrStdout()
	peer := device.Peer{Address: args[0]}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if monitorDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, monitorDuration)
		defer cancel()
	}

	link := openLink(cfg, logger)
	defer link.close()
	if monitorJSON {
		// the journal is the whole output
		link.listen(j.Handler())
	} else {
		link.listen(j.Handler(), (&eventPrinter{out: out, states: true}).handle)
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+peer.Address, "connecting",
		device.ServicesReady.String(), device.Disconnected.String())
	progress.Start()
	err = link.connect(ctx, peer, progress.Callback())
	progress.Stop()

	if err == nil {
		err = link.waitDisconnected(ctx)
	}

	// flush the queue so the journal holds everything before it is printed
	link.close()
	if summaryErr := printJournal(out, j, monitorJSON); summaryErr != nil {
		return summaryErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func printJournal(out io.Writer, j *journal.Journal, asJSON bool) error {
	entries := j.Drain()
	stats := j.Stats()

	if asJSON {
		if entries == nil {
			entries = []journal.Entry{}
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	fmt.Fprintf(out, "\nJournal: %d events recorded, %d overwritten\n", stats.Recorded, stats.Overwritten)
	for _, e := range entries {
		fmt.Fprintf(out, "  %s\n", e)
	}
	return nil
}
