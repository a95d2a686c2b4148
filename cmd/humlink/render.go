package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/humlink/internal/history"
	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/internal/telemetry"
)

var (
	okColor      = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	noticeColor  = color.New(color.FgYellow)
	headingColor = color.New(color.Bold)
)

func validateFormat(format string) error {
	switch format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}

func motorText(r telemetry.Reading) string {
	if r.MotorOn() {
		return okColor.Sprint("on")
	}
	return "off"
}

func sampleLine(name string, s telemetry.SampleReading) string {
	if !s.OK() {
		return fmt.Sprintf("%s\t%s\t%s\t%s\t%s",
			name,
			errorColor.Sprint(s.RelativeHumidity()),
			errorColor.Sprint(s.AbsoluteHumidity()),
			errorColor.Sprint(s.Temperature()),
			errorColor.Sprint(s.Status))
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s", name, s.RelativeHumidity(), s.AbsoluteHumidity(), s.Temperature(), s.Status)
}

// renderReading prints one reading as a small aligned table.
func renderReading(w io.Writer, r telemetry.Reading) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "motor\t%s\n", motorText(r))
	fmt.Fprintln(tw, "sensor\thumidity\tabsolute\ttemperature\tstatus")
	fmt.Fprintln(tw, sampleLine("internal", r.Internal))
	fmt.Fprintln(tw, sampleLine("external", r.External))
	return tw.Flush()
}

// renderReadingLine prints a reading on one line for the live monitor.
func renderReadingLine(w io.Writer, at time.Time, r telemetry.Reading) {
	sample := func(s telemetry.SampleReading) string {
		text := fmt.Sprintf("%s %s %s", s.RelativeHumidity(), s.AbsoluteHumidity(), s.Temperature())
		if !s.OK() {
			return errorColor.Sprint(text)
		}
		return text
	}
	fmt.Fprintf(w, "[%s] motor %s | internal %s | external %s\n",
		at.Format(time.TimeOnly), motorText(r), sample(r.Internal), sample(r.External))
}

func renderNotice(w io.Writer, text string) {
	fmt.Fprintln(w, noticeColor.Sprint(text))
}

func renderDevicesTable(w io.Writer, devices []peripheral.Descriptor) error {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No peripherals found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headingColor.Sprint("NAME")+"\t"+headingColor.Sprint("ID"))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, d.ID)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(v)
}

// renderHistory prints the frame log, newest first.
func renderHistory(w io.Writer, entries []history.Entry) {
	fmt.Fprintf(w, "History (%d frames, newest first):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "%s %s %s\n", e.Frame.ReceivedAt.Format(time.RFC3339Nano), e.Frame.Direction.Arrow(), e.Frame.Text())
	}
}
