package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stepbot",
	Short: "Step programs for a LEGO SPIKE Prime hub over Bluetooth",
	Long: `Build, upload and run step programs on a LEGO SPIKE Prime hub:

- Scan for hubs advertising the SPIKE App service
- Turn a list of motor, wait, button and color steps into a MicroPython program
- Upload the program to a slot, start it and stop it
- Watch motor and sensor telemetry per port
- Follow the hub console, optionally mirrored onto a pseudo-terminal

Steps are read from JSON or YAML files.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("stepbot %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(portsCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("address", "", "Hub address (default: first hub found by scanning)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
