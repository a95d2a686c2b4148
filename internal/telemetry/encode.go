package telemetry

import (
	"encoding/json"
	"fmt"
)

// Encode renders a Reading in the compact wire form, without a trailing newline.
// Samples that are not OK are written as the "error" sentinel; missing samples
// are omitted.
func Encode(r Reading) (string, error) {
	out := make(map[string]any, 3)

	for key, s := range map[string]SampleReading{"i": r.Internal, "e": r.External} {
		switch s.Status {
		case StatusOK:
			out[key] = s.Sample
		case StatusMissing:
		default:
			out[key] = sensorErrorSentinel
		}
	}

	motor := r.Motor
	if motor == "" {
		motor = "0"
	}
	out["m"] = motor

	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode reading: %w", err)
	}
	return string(data), nil
}
