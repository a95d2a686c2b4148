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

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "humlink",
		Short: "Garage dehumidifier Bluetooth client",
		Long: `Command-line client for a Bluetooth serial (HC-05 style) humidity controller:

- Keep a connection to the controller alive, rediscovering it after drops
- Print motor state and both sensors' humidity and temperature as they arrive
- Send command lines to the controller and mirror the link to a PTY
- List the peripherals the transport can see and decode captured frames`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
	}

	addCommonFlags(rootCmd)
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newDecodeCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
