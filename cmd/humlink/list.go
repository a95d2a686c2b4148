package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/humlink/internal/peripheral"
)

func newListCmd() *cobra.Command {
	var (
		format    string
		failEmpty bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List peripherals the transport can connect to",
		Long: `Runs one discovery on the selected transport and prints what it found.

For the serial transport these are the configured ports that exist; for BLE
these are the Nordic UART peripherals seen during one scan (scan_timeout).

Examples:
  humlink list
  humlink list --transport ble --format json
  humlink list --port HC-05=/dev/rfcomm0 --port HC-06=/dev/ttyUSB0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("format") {
				format = cfg.OutputFormat
			}
			if err := validateFormat(format); err != nil {
				return err
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
					cancel()
				case <-ctx.Done():
				}
			}()

			enabled, err := transport.IsEnabled(ctx)
			if err != nil {
				return fmt.Errorf("failed to query %s transport: %w", cfg.Transport, err)
			}
			if !enabled {
				return peripheral.ErrRadioOff
			}

			progress := NewCountdownProgressPrinter(cmd.OutOrStdout(), "Looking for peripherals", "Discovering", cfg.ScanTimeout, "Done")
			progress.Start()
			devices, err := transport.ListPaired(ctx)
			progress.Callback()("Done")
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			logger.WithField("count", len(devices)).Debug("Discovery completed")

			if format == "json" {
				if devices == nil {
					devices = []peripheral.Descriptor{}
				}
				err = writeJSON(cmd.OutOrStdout(), devices)
			} else {
				err = renderDevicesTable(cmd.OutOrStdout(), devices)
			}
			if err != nil {
				return err
			}

			if failEmpty && len(devices) == 0 {
				return ErrNoDevices
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&failEmpty, "fail-empty", false, "Exit with an error when nothing is found")
	return cmd
}
