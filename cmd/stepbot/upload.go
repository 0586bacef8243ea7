package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/srg/stepbot/internal/hub"
)

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload <program.py>",
	Short: "Upload a MicroPython program as is and start it",
	Long: `Upload a ready-made MicroPython program to the program slot and start it,
the same way run does for generated programs.`,
	Example: `  stepbot upload program.py --follow
  stepbot assemble steps.yaml | stepbot upload - --program-slot 2`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var (
	uploadProgramSlot uint8
	uploadFollow      bool
	uploadConsolePTY  bool
)

func init() {
	addProgramFlags(uploadCmd, &uploadProgramSlot, &uploadFollow, &uploadConsolePTY)
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	if err := applyProgramSlot(cmd, cfg, uploadProgramSlot); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	program, err := readProgram(cmd, args[0])
	if err != nil {
		return err
	}

	return runOnHub(cmd, cfg, logger, "Uploading program", uploadFollow, uploadConsolePTY, func(h *hub.Hub, ctx context.Context) error {
		return h.RunProgram(ctx, program)
	})
}

func readProgram(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read program: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("program %s is empty", path)
	}
	return string(data), nil
}
