package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/stepbot/internal/hub"
	"github.com/srg/stepbot/internal/portstate"
	"github.com/srg/stepbot/internal/protocol"
)

// portsCmd represents the ports command
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Show what is attached to each hub port",
	Long: `Connect to a hub, wait for its first device report and print the state of
ports A to F along with the battery level.

With --watch the table is printed again on every change until Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: runPorts,
}

// coalesceWindow groups the per-port events of one device report into one render.
const coalesceWindow = 50 * time.Millisecond

var (
	portsFormat string
	portsWatch  bool
	portsWait   time.Duration
)

func init() {
	portsCmd.Flags().StringVarP(&portsFormat, "format", "f", "table", "Output format (table, json)")
	portsCmd.Flags().BoolVarP(&portsWatch, "watch", "w", false, "Print again on every change")
	portsCmd.Flags().DurationVar(&portsWait, "wait", 10*time.Second, "How long to wait for the first device report")
}

func runPorts(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(portsFormat); err != nil {
		return err
	}

	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	h, err := openHub(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, cancel := interruptContext(cmd.ErrOrStderr(), "disconnecting")
	defer cancel()

	if err := connectHub(ctx, cmd, h); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	timer := time.NewTimer(portsWait)
	defer timer.Stop()

	// first report or timeout, whichever comes first
	for waiting := true; waiting; {
		select {
		case ev, ok := <-h.Events():
			if !ok || ev.Kind == portstate.EventReset {
				return ErrConnectionLost
			}
			if !settle(h.Events(), coalesceWindow) {
				return ErrConnectionLost
			}
			waiting = false
		case <-timer.C:
			logger.WithField("wait", portsWait).Debug("No device report yet")
			waiting = false
		case <-ctx.Done():
			return nil
		}
	}

	if err := renderPorts(out, h, portsFormat); err != nil {
		return err
	}
	if !portsWatch {
		return nil
	}

	for {
		select {
		case ev, ok := <-h.Events():
			if !ok || ev.Kind == portstate.EventReset {
				return ErrConnectionLost
			}
			if !settle(h.Events(), coalesceWindow) {
				return ErrConnectionLost
			}
			fmt.Fprintln(out)
			if err := renderPorts(out, h, portsFormat); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// settle consumes the events arriving within window. It returns false once
// the ports were reset or the stream closed.
func settle(events <-chan portstate.Event, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok || ev.Kind == portstate.EventReset {
				return false
			}
		case <-timer.C:
			return true
		}
	}
}

func renderPorts(out io.Writer, h *hub.Hub, format string) error {
	if format == "json" {
		data, err := h.Ports().MarshalJSON()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err = out.Write(buf.Bytes())
		return err
	}
	return displayPortsTable(out, h)
}

func displayPortsTable(out io.Writer, h *hub.Hub) error {
	deviceColor := color.New(color.FgCyan).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tDEVICE\tREADING")
	for pair := h.Ports().Snapshot().Oldest(); pair != nil; pair = pair.Next() {
		state := pair.Value
		if state == nil {
			fmt.Fprintf(w, "%s\t%s\t\n", pair.Key, dim("-"))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", pair.Key, deviceColor(state.DeviceType.String()), describeReading(state))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if level, ok := h.Battery(); ok {
		fmt.Fprintf(out, "Battery: %d%%\n", level)
	}
	return nil
}

func describeReading(s *protocol.PortState) string {
	switch {
	case s.Motor != nil:
		return fmt.Sprintf("speed=%d position=%d abs=%d power=%d", s.Motor.Speed, s.Motor.Position, s.Motor.AbsolutePosition, s.Motor.Power)
	case s.Force != nil:
		return fmt.Sprintf("force=%d pressed=%t", s.Force.MeasuredValue, s.Force.PressureDetected)
	case s.Color != nil:
		return fmt.Sprintf("color=%d rgb=%d,%d,%d", s.Color.Color, s.Color.Red, s.Color.Green, s.Color.Blue)
	case s.Distance != nil:
		if s.Distance.Distance < 0 {
			return "distance=none"
		}
		return fmt.Sprintf("distance=%dmm", s.Distance.Distance)
	default:
		return ""
	}
}
