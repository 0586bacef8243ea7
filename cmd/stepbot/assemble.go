package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srg/stepbot/internal/codegen"
)

// assembleCmd represents the assemble command
var assembleCmd = &cobra.Command{
	Use:   "assemble <steps-file>",
	Short: "Print the program generated from a step file",
	Long: `Turn a JSON or YAML step file into the MicroPython program that run would
upload, without touching any hub. Use "-" to read the steps from stdin.`,
	Example: `  stepbot assemble steps.yaml
  stepbot assemble steps.json --slot 2 -o program.py`,
	Args: cobra.ExactArgs(1),
	RunE: runAssemble,
}

var (
	assembleSlot   int
	assembleOutput string
)

func init() {
	assembleCmd.Flags().IntVar(&assembleSlot, "slot", -1, "Assemble only the step at this index")
	assembleCmd.Flags().StringVarP(&assembleOutput, "output", "o", "", "Write the program to a file instead of stdout")
}

func runAssemble(cmd *cobra.Command, args []string) error {
	_, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	slots, err := readSteps(cmd, args[0])
	if err != nil {
		return err
	}
	if assembleSlot >= len(slots) {
		return fmt.Errorf("step index %d out of range (%d steps)", assembleSlot, len(slots))
	}

	var program string
	if assembleSlot >= 0 {
		program = codegen.AssembleSlot(slots, assembleSlot)
	} else {
		program = codegen.Assemble(slots)
	}
	logger.WithField("steps", len(slots)).Debug("Program assembled")

	if assembleOutput != "" {
		return os.WriteFile(assembleOutput, []byte(program+"\n"), 0o644)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), program)
	return err
}
