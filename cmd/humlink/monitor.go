package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/humlink/internal/history"
	"github.com/srg/humlink/internal/notify"
	"github.com/srg/humlink/internal/ptyio"
	"github.com/srg/humlink/internal/telemetry"
	"github.com/srg/humlink/pkg/connection"
	"github.com/srg/humlink/pkg/monitor"
)

const noticeDrainInterval = 200 * time.Millisecond

type monitorFlags struct {
	interactive bool
	pty         bool
	ptySymlink  string
	history     bool
	readMode    string
}

func newMonitorCmd() *cobra.Command {
	flags := &monitorFlags{}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Connect to the controller and print its readings",
		Long: `Keeps a connection to the humidity controller and prints every reading:
motor state plus humidity and temperature of the internal and external sensors.

The connection is re-established automatically when the controller drops it,
goes out of range, or Bluetooth is switched off and on again.

Examples:
  # Watch the default HC-05 bound to /dev/rfcomm0
  humlink monitor

  # Type commands to the controller and dump the frame log on exit
  humlink monitor --interactive --history

  # Mirror the raw line stream to a pseudo terminal
  humlink monitor --pty --pty-symlink /tmp/dehumidifier`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.interactive, "interactive", "i", false, "Send lines typed on stdin to the controller")
	cmd.Flags().BoolVar(&flags.pty, "pty", false, "Mirror received frames to a pseudo terminal; lines typed there are sent")
	cmd.Flags().StringVar(&flags.ptySymlink, "pty-symlink", "", "Create a symlink to the PTY device (implies --pty)")
	cmd.Flags().BoolVar(&flags.history, "history", false, "Print the frame history on exit")
	cmd.Flags().StringVar(&flags.readMode, "read-mode", "", "Frame delivery: stream (default) or poll")
	return cmd
}

// printer serializes output from the manager, the monitor and stdin goroutines.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) print(fn func(w io.Writer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.w)
}

func runMonitor(cmd *cobra.Command, flags *monitorFlags) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if flags.readMode != "" {
		mode, err := monitor.ParseReadMode(flags.readMode)
		if err != nil {
			return err
		}
		cfg.ReadMode = string(mode)
	}
	cmd.SilenceUsage = true

	transport, err := transportFactory(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	out := &printer{w: cmd.OutOrStdout()}
	notices := notify.NewQueue(notify.DefaultQueueSize)

	manager := connection.NewManager(transport, cfg.ConnectionOptions(), notify.Multi{notices, notify.NewLogger(logger)}, logger)
	mon := monitor.New(transport, manager.Published(), cfg.MonitorOptions(), logger)

	manager.SetTransitionHook(func(from, to connection.State, h *connection.Handle) {
		if ctx.Err() != nil {
			return
		}
		out.print(func(w io.Writer) { renderTransition(w, cfg.Target, to, h) })
	})
	manager.SetFailureHook(func(f connection.Failure) {
		logger.WithFields(logrus.Fields{
			"kind":    f.Kind.String(),
			"retried": f.Retried(),
		}).WithError(f.Err).Debug("Connection attempt failed")
	})
	mon.OnReading(func(r telemetry.Reading, e history.Entry) {
		out.print(func(w io.Writer) { renderReadingLine(w, e.Frame.ReceivedAt, r) })
	})
	mon.OnDecodeFailure(func(f connection.Failure) {
		out.print(func(w io.Writer) { renderNotice(w, "Received a frame that is not a reading (kept in history)") })
	})

	if flags.pty || flags.ptySymlink != "" {
		closeMirror, err := attachMirror(ctx, mon, flags.ptySymlink, out, logger)
		if err != nil {
			return err
		}
		defer closeMirror()
	}

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- mon.Run(ctx) }()

	if err := manager.Start(ctx); err != nil {
		cancel()
		<-monitorDone
		return err
	}

	if flags.interactive {
		go forwardInput(ctx, cmd.InOrStdin(), mon, out)
	}

	drain := func() {
		for _, msg := range notices.Drain() {
			out.print(func(w io.Writer) { renderNotice(w, msg.String()) })
		}
	}

	ticker := time.NewTicker(noticeDrainInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-manager.Done():
			break loop
		case <-ticker.C:
			drain()
		}
	}

	cancel()
	stopErr := manager.Stop()
	<-monitorDone
	drain()

	if flags.history {
		out.print(func(w io.Writer) { renderHistory(w, mon.History().Entries()) })
	}
	return stopErr
}

func renderTransition(w io.Writer, target string, to connection.State, h *connection.Handle) {
	switch to {
	case connection.Connected:
		fmt.Fprintln(w, okColor.Sprintf("Connected to %s", h.Descriptor))
	case connection.Searching:
		fmt.Fprintf(w, "Searching for %s...\n", target)
	case connection.Recovering:
		fmt.Fprintln(w, "Connection attempt failed, retrying shortly")
	case connection.Disabled:
		fmt.Fprintln(w, "Waiting for Bluetooth to be enabled")
	}
}

// attachMirror opens a PTY mirror of the frame stream and returns its closer.
func attachMirror(ctx context.Context, mon *monitor.Monitor, symlink string, out *printer, logger *logrus.Logger) (func(), error) {
	mirror, err := ptyio.Open(ptyio.Options{
		Logger: logger,
		OnError: func(err error) {
			logger.WithError(err).Warn("PTY mirror failed")
		},
	})
	if err != nil {
		return nil, err
	}

	mon.SetMirror(mirror)
	mirror.SetLineHandler(func(line string) {
		if err := mon.Send(ctx, line); err != nil {
			logger.WithError(err).WithField("line", line).Warn("PTY input not sent")
		}
	})

	if symlink != "" {
		_ = os.Remove(symlink)
		if err := os.Symlink(mirror.TTYName(), symlink); err != nil {
			_ = mirror.Close()
			return nil, fmt.Errorf("failed to create PTY symlink: %w", err)
		}
	}

	out.print(func(w io.Writer) {
		fmt.Fprintf(w, "PTY mirror: %s\n", mirror.TTYName())
		if symlink != "" {
			fmt.Fprintf(w, "Symlink: %s -> %s\n", symlink, mirror.TTYName())
		}
	})

	return func() {
		mon.SetMirror(nil)
		if symlink != "" {
			_ = os.Remove(symlink)
		}
		if err := mirror.Close(); err != nil {
			logger.WithError(err).Debug("PTY mirror close failed")
		}
	}, nil
}

// forwardInput sends each stdin line to the controller until EOF or ctx ends.
func forwardInput(ctx context.Context, in io.Reader, mon *monitor.Monitor, out *printer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := mon.Send(ctx, line); err != nil {
			out.print(func(w io.Writer) { renderNotice(w, "Not sent: "+FormatUserError(err)) })
		}
	}
}
