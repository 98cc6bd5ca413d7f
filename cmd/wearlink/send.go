package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/dispatch"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <address> <hex>...",
	Short: "Send command buffers to a wearable",
	Long: `Connect to the wearable at <address> and write each <hex> buffer to its write
channel, in order, pausing --interval after every write.

Writes are fire-and-forget: a buffer counts as sent once the radio accepts it.
Notifications received while sending are printed. Use --wait to keep listening
after the last buffer.`,
	Example: `  wearlink send AA:BB:CC:DD:EE:FF 0102 a0:ff:00
  wearlink send AA:BB:CC:DD:EE:FF 0x10 --interval 200ms --wait 2s`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var (
	sendInterval time.Duration
	sendWait     time.Duration
)

func init() {
	sendCmd.Flags().DurationVar(&sendInterval, "interval", 0, "Pause after each write (default: dispatch_interval from the config)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "Keep printing notifications this long after the last write")
}

// parseHexPayload accepts "0a0b", "0x0a0b", "0a:0b", "0a-0b" and "0a 0b"
func parseHexPayload(s string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	clean = strings.NewReplacer(":", "", "-", "", " ", "").Replace(clean)
	if clean == "" {
		return nil, fmt.Errorf("invalid payload %q: %w", s, device.ErrEmptyPayload)
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return data, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	buffers := make([][]byte, 0, len(args)-1)
	for _, arg := range args[1:] {
		data, err := parseHexPayload(arg)
		if err != nil {
			return err
		}
		buffers = append(buffers, data)
	}

	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	interval := cfg.DispatchInterval
	if cmd.Flags().Changed("interval") {
		interval = sendInterval
	}

	out := cmd.OutOrStdout()
	peer := device.Peer{Address: args[0]}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := openLink(cfg, logger)
	defer link.close()
	link.listen((&eventPrinter{out: out}).handle)

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+peer.Address, "connecting",
		device.ServicesReady.String(), device.Disconnected.String())
	progress.Start()
	err = link.connect(ctx, peer, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	report := <-dispatch.New(link.manager, interval, logger).Start(ctx, buffers)

	if sendWait > 0 && report.Err == nil {
		select {
		case <-time.After(sendWait):
		case <-ctx.Done():
		}
	}

	// flush notifications before the report line
	link.close()
	fmt.Fprintf(out, "Sent %d of %d buffers, %d failed\n", report.Sent, len(buffers), report.Failed)

	if report.Err != nil {
		return fmt.Errorf("send incomplete: %w", report.Err)
	}
	return nil
}
