package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/stepbot/internal/transport/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for SPIKE Prime hubs",
	Long: `Listen for hubs advertising the SPIKE App service and list them,
strongest signal first. Use the printed address with --address to pick a hub.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(scanFormat); err != nil {
		return err
	}

	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}

	ctx, cancel := interruptContext(cmd.ErrOrStderr(), "cancelling scan")
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for hubs", fmt.Sprintf("up to %s", duration))
	progress.Start()
	hubs, err := goble.Scan(ctx, duration, logger)
	progress.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	if scanFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), hubs)
	}
	return displayHubsTable(cmd.OutOrStdout(), hubs)
}

func validateFormat(format string) error {
	switch format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayHubsTable(out io.Writer, hubs []goble.HubInfo) error {
	if len(hubs) == 0 {
		fmt.Fprintln(out, "No hubs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	for _, h := range hubs {
		name := h.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", name, h.Address, h.RSSI)
	}
	return w.Flush()
}
