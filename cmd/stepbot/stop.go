package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the program running in the program slot",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var stopProgramSlot uint8

func init() {
	stopCmd.Flags().Uint8Var(&stopProgramSlot, "program-slot", 0, "Hub program slot (default: program_slot from config)")
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	if err := applyProgramSlot(cmd, cfg, stopProgramSlot); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	h, err := openHub(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, cancel := interruptContext(cmd.ErrOrStderr(), "cancelling")
	defer cancel()

	if err := connectHub(ctx, cmd, h); err != nil {
		return err
	}
	if err := h.Stop(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopped program in slot %d\n", cfg.ProgramSlot)
	return nil
}
