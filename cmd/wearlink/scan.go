package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/wearlink/internal/bledb"
	"github.com/srg/wearlink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby wearables",
	Long: `Scan for wearables whose advertised name starts with one of the configured
prefixes, ignoring case, and list them with address, signal strength and advertised services.

The scan stops after --duration, or on Ctrl+C; the peers seen so far are printed either way.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanPrefix   string
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from the config)")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", "", "Comma separated name prefixes, case-insensitive; empty accepts every named peer (default: name_prefixes from the config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := cfg.ScanTimeout
	if cmd.Flags().Changed("duration") {
		duration = scanDuration
	}
	prefixes := cfg.NamePrefixes
	if cmd.Flags().Changed("prefix") {
		prefixes = splitPrefixes(scanPrefix)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	registry := scanner.NewRegistry(newScanner(logger), scanner.Options{NamePrefixes: prefixes}, logger)
	listener := scanner.NewChannelListener(64)
	defer listener.Close()
	registry.AddListener(listener)
	defer registry.RemoveListener(listener)

	if err := registry.StartScan(); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	var progress *ProgressPrinter
	if duration > 0 {
		progress = NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for wearables", "scanning", duration)
	} else {
		progress = NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for wearables", "scanning")
	}
	progress.Start()

	collectDiscoveries(ctx, listener, logger)

	progress.Stop()
	registry.StopScan()

	peers := registry.Peers()
	if dropped := listener.Dropped(); dropped > 0 {
		logger.WithField("dropped", dropped).Debug("Discovery events dropped by the listener")
	}

	if scanFormat == "json" {
		return displayPeersJSON(cmd.OutOrStdout(), peers)
	}
	return displayPeersTable(cmd.OutOrStdout(), peers)
}

// collectDiscoveries logs new peers until ctx is done
func collectDiscoveries(ctx context.Context, listener *scanner.ChannelListener, logger *logrus.Logger) {
	for {
		select {
		case d := <-listener.Events():
			if d.Type == scanner.EventNew {
				logger.WithFields(logrus.Fields{
					"name":    d.Peer.Name,
					"address": d.Peer.Address,
					"rssi":    d.RSSI,
				}).Debug("Wearable discovered")
			}
		case <-ctx.Done():
			return
		}
	}
}

func displayPeersTable(out io.Writer, peers []scanner.Discovery) error {
	if len(peers) == 0 {
		fmt.Fprintln(out, "No wearables found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tCONNECTABLE\tSERVICES")

	for _, d := range peers {
		name := d.Peer.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := make([]string, 0, len(d.Services))
		for _, uuid := range d.Services {
			services = append(services, bledb.Describe(uuid, bledb.LookupService))
		}

		connectable := "no"
		if d.Connectable {
			connectable = "yes"
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", name, d.Peer.Address, d.RSSI, connectable, strings.Join(services, ", "))
	}

	return w.Flush()
}

func displayPeersJSON(out io.Writer, peers []scanner.Discovery) error {
	if peers == nil {
		peers = []scanner.Discovery{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(peers)
}

// splitPrefixes parses a comma separated prefix list, dropping empty entries
func splitPrefixes(value string) []string {
	var prefixes []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}
