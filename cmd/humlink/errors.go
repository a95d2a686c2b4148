package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/humlink/internal/peripheral"
	"github.com/srg/humlink/pkg/connection"
)

// Command-level errors
var (
	// ErrNoDevices is returned by list when discovery finds nothing and
	// --fail-empty is set.
	ErrNoDevices = errors.New("no peripherals found")
)

// FormatUserError turns an error chain into a one-line message for the
// terminal. Known sentinel errors get a hint; anything else prints as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, peripheral.ErrRadioOff):
		return fmt.Sprintf("%s: turn Bluetooth on and try again", connection.RadioDisabledMessage)
	case errors.Is(err, peripheral.ErrUnsupported):
		return fmt.Sprintf("%v (try --transport serial)", err)
	case errors.Is(err, connection.ErrTargetNotFound):
		return fmt.Sprintf("%v: pair the controller first, or check --target and --port", err)
	case errors.Is(err, peripheral.ErrNotConnected):
		return "not connected to the humidity controller"
	}

	// errors.Join separates causes with newlines; keep the output on one line
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
