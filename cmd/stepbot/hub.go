package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/stepbot/internal/codegen"
	"github.com/srg/stepbot/internal/console"
	"github.com/srg/stepbot/internal/hub"
	"github.com/srg/stepbot/internal/runner"
	"github.com/srg/stepbot/internal/transport"
	"github.com/srg/stepbot/internal/transport/goble"
	"github.com/srg/stepbot/pkg/config"
)

// stopTimeout bounds the stop request sent when a followed run is interrupted.
const stopTimeout = 3 * time.Second

// interruptContext returns a context cancelled on Ctrl+C or SIGTERM.
func interruptContext(out io.Writer, what string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(out, "\nCtrl+C pressed, %s...\n", what)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// openHub builds a Hub over BLE from the config. progress may be nil.
func openHub(cfg *config.Config, logger *logrus.Logger, progress transport.UploadProgress) (*hub.Hub, error) {
	opts := cfg.HubOptions()
	opts.Runner.Progress = progress

	dialer := goble.NewDialer(cfg.DialerOptions(), logger)
	return hub.New(dialer, opts, logger)
}

// connectHub connects and reports what it found.
func connectHub(ctx context.Context, cmd *cobra.Command, h *hub.Hub) error {
	if err := h.Connect(ctx); err != nil {
		return err
	}
	if info := h.Info(); info != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Connected to hub (firmware %s)\n", info.FirmwareVersion())
	}
	return nil
}

// readSteps loads a JSON or YAML step file; "-" reads stdin.
func readSteps(cmd *cobra.Command, path string) ([]codegen.StepSlot, error) {
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
		return nil, fmt.Errorf("read steps: %w", err)
	}
	return codegen.DecodeSlotsAuto(data)
}

// attachConsole prints hub console lines and, when asked, mirrors them onto a PTY.
// The returned function detaches everything.
func attachConsole(cmd *cobra.Command, h *hub.Hub, withPTY bool, logger *logrus.Logger) (func(), error) {
	out := cmd.OutOrStdout()
	detach := []func(){
		h.Console().Subscribe(func(line console.Line) {
			fmt.Fprintf(out, "hub> %s\n", line.Text)
		}),
	}

	if withPTY {
		p, err := console.OpenPTY(&console.PTYOptions{Logger: logger})
		if err != nil {
			detach[0]()
			return nil, err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Hub console mirrored on %s\n", p.TTYName())
		detach = append(detach, h.Console().Subscribe(p.WriteLine), func() { _ = p.Close() })
	}

	return func() {
		for _, fn := range detach {
			fn()
		}
	}, nil
}

// followProgram waits until the program ends on the hub, the link drops or
// the user interrupts. An interrupt stops the program before returning.
func followProgram(ctx context.Context, cmd *cobra.Command, h *hub.Hub) error {
	ended := make(chan struct{})
	var endOnce sync.Once
	unsubscribeState := h.OnRunState(func(s runner.State) {
		if s == runner.StateIdle {
			endOnce.Do(func() { close(ended) })
		}
	})
	defer unsubscribeState()

	lost := make(chan error, 1)
	unsubscribeLost := h.OnDisconnect(func(cause error) {
		select {
		case lost <- cause:
		default:
		}
	})
	defer unsubscribeLost()

	if !h.IsConnected() {
		return ErrConnectionLost
	}
	if h.RunState() != runner.StateRunning {
		return nil
	}

	select {
	case <-ended:
		if !h.IsConnected() {
			// the runner goes idle on link loss before the cause is delivered
			return lostError(<-lost)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Program finished")
		return nil
	case cause := <-lost:
		return lostError(cause)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := h.Stop(stopCtx); err != nil && !errors.Is(err, runner.ErrNotConnected) {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Program stopped")
		return nil
	}
}

func lostError(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, cause)
}
