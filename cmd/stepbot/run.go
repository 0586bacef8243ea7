package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/stepbot/internal/hub"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <steps-file>",
	Short: "Assemble a step file and run it on the hub",
	Long: `Connect to a hub, clear the program slot, upload the program generated
from the step file and start it.

With --follow the command stays attached, printing the hub console until the
program ends. Ctrl+C then stops the program on the hub before exiting.`,
	Example: `  stepbot run steps.yaml --follow
  stepbot run steps.json --slot 0 --program-slot 3
  stepbot run steps.yaml --follow --console-pty`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runStep        int
	runProgramSlot uint8
	runFollow      bool
	runConsolePTY  bool
)

func init() {
	runCmd.Flags().IntVar(&runStep, "slot", -1, "Run only the step at this index")
	addProgramFlags(runCmd, &runProgramSlot, &runFollow, &runConsolePTY)
}

func addProgramFlags(cmd *cobra.Command, slot *uint8, follow, consolePTY *bool) {
	cmd.Flags().Uint8Var(slot, "program-slot", 0, "Hub program slot (default: program_slot from config)")
	cmd.Flags().BoolVarP(follow, "follow", "F", false, "Stay attached until the program ends, printing the hub console")
	cmd.Flags().BoolVar(consolePTY, "console-pty", false, "Mirror the hub console onto a pseudo-terminal (with --follow)")
}

// applyProgramSlot lets --program-slot override the configured slot.
func applyProgramSlot(cmd *cobra.Command, cfg *config.Config, slot uint8) error {
	if !cmd.Flags().Changed("program-slot") {
		return nil
	}
	if slot > protocol.MaxSlot {
		return fmt.Errorf("program slot %d out of range (0-%d)", slot, protocol.MaxSlot)
	}
	cfg.ProgramSlot = slot
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	if err := applyProgramSlot(cmd, cfg, runProgramSlot); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	slots, err := readSteps(cmd, args[0])
	if err != nil {
		return err
	}

	return runOnHub(cmd, cfg, logger, "Running steps", runFollow, runConsolePTY, func(h *hub.Hub, ctx context.Context) error {
		if runStep >= 0 {
			return h.RunSlot(ctx, slots, runStep)
		}
		return h.RunAll(ctx, slots)
	})
}

// runOnHub connects, performs start with progress shown, and optionally
// follows the started program.
func runOnHub(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger, title string, follow, consolePTY bool, start func(*hub.Hub, context.Context) error) error {
	progress := NewProgressPrinter(cmd.ErrOrStderr(), title, "connecting", "running", "idle")

	h, err := openHub(cfg, logger, progress.UploadCallback())
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, cancel := interruptContext(cmd.ErrOrStderr(), "stopping")
	defer cancel()

	if follow {
		detach, err := attachConsole(cmd, h, consolePTY, logger)
		if err != nil {
			return err
		}
		defer detach()
	}

	progress.Start()
	defer progress.Stop()

	if err := connectHub(ctx, cmd, h); err != nil {
		return err
	}

	unsubscribe := h.OnRunState(progress.RunStateCallback())
	err = start(h, ctx)
	unsubscribe()
	progress.Stop()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Program started in slot %d\n", cfg.ProgramSlot)
	if !follow {
		return nil
	}
	return followProgram(ctx, cmd, h)
}
