package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/humlink/internal/telemetry"
)

// decodedFrame is one line of decode's JSON output.
type decodedFrame struct {
	Frame   string             `json:"frame"`
	Reading *telemetry.Reading `json:"reading"`
	Error   string             `json:"error,omitempty"`
}

func newDecodeCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "decode [frame...]",
		Short: "Decode controller telemetry frames",
		Long: `Decodes telemetry frames given as arguments, or one per line on stdin.

Examples:
  # Decode a single frame
  humlink decode '{"i":{"rH":55,"aH":10,"T":21},"e":"error","m":0}'

  # Decode a captured log as JSON
  humlink decode --format json < capture.log

Frames that are not telemetry print "no reading".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			frames := args
			if len(frames) == 0 {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if line := strings.TrimSpace(scanner.Text()); line != "" {
						frames = append(frames, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("failed to read frames: %w", err)
				}
			}

			return runDecode(cmd, frames, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func runDecode(cmd *cobra.Command, frames []string, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		results := make([]decodedFrame, 0, len(frames))
		for _, f := range frames {
			result := decodedFrame{Frame: f}
			if r, err := telemetry.Decode(f); err != nil {
				result.Error = err.Error()
			} else {
				result.Reading = &r
			}
			results = append(results, result)
		}
		return writeJSON(out, results)
	}

	for i, f := range frames {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "# %s\n", f)
		r, err := telemetry.Decode(f)
		if err != nil {
			fmt.Fprintln(out, "no reading")
			continue
		}
		if err := renderReading(out, r); err != nil {
			return err
		}
	}
	return nil
}
