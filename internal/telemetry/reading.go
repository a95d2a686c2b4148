// Package telemetry decodes the dehumidifier controller's line protocol.
//
// Each frame is one JSON object:
//
//	{"i":{"rH":55,"aH":10,"T":21},"e":"error","m":0}
//
// where "i" and "e" are the internal and external sensor samples and "m" is
// the motor flag. A sensor that failed on the device side is sent as the
// literal string "error" instead of an object.
package telemetry

import (
	"encoding/json"
	"fmt"
)

// Display suffixes used by the controller's operator screen.
const (
	RelativeHumidityUnit = "%"
	AbsoluteHumidityUnit = "\u0433*\u043c\u00b3" // г*м³
	TemperatureUnit      = "\u00b0\u0421"        // °С, Cyrillic Es

	// ErrorPlaceholder is shown in place of every value of a failed sample.
	ErrorPlaceholder = "error"
	// MissingValue is shown for an optional value the frame did not carry.
	MissingValue = "-"
)

// SampleStatus tells whether a sensor sample could be used.
type SampleStatus int

const (
	// StatusOK means the sample carried usable values.
	StatusOK SampleStatus = iota
	// StatusSensorError means the device reported the sensor as failed.
	StatusSensorError
	// StatusMissing means the frame did not carry the sample at all.
	StatusMissing
	// StatusGarbled means the sample was present but unreadable.
	StatusGarbled
)

func (s SampleStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSensorError:
		return "sensor_error"
	case StatusMissing:
		return "missing"
	case StatusGarbled:
		return "garbled"
	default:
		return fmt.Sprintf("SampleStatus(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON output.
func (s SampleStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sample holds one sensor's values exactly as received on the wire.
type Sample struct {
	RelativeHumidity json.Number `json:"rH"`
	AbsoluteHumidity json.Number `json:"aH,omitempty"`
	Temperature      json.Number `json:"T"`
}

// SampleReading is a Sample together with its decode outcome.
// Sample is only meaningful when Status is StatusOK.
type SampleReading struct {
	Sample Sample       `json:"sample"`
	Status SampleStatus `json:"status"`
}

// OK reports whether the sample carried usable values.
func (r SampleReading) OK() bool {
	return r.Status == StatusOK
}

// RelativeHumidity returns the display string, e.g. "55%".
func (r SampleReading) RelativeHumidity() string {
	return r.format(r.Sample.RelativeHumidity, RelativeHumidityUnit)
}

// AbsoluteHumidity returns the display string, e.g. "10г*м³".
func (r SampleReading) AbsoluteHumidity() string {
	return r.format(r.Sample.AbsoluteHumidity, AbsoluteHumidityUnit)
}

// Temperature returns the display string, e.g. "21°С".
func (r SampleReading) Temperature() string {
	return r.format(r.Sample.Temperature, TemperatureUnit)
}

func (r SampleReading) format(v json.Number, unit string) string {
	if !r.OK() {
		return ErrorPlaceholder
	}
	if v == "" {
		return MissingValue
	}
	return v.String() + unit
}

// Reading is one decoded frame.
type Reading struct {
	Internal SampleReading `json:"internal"`
	External SampleReading `json:"external"`
	// Motor is the raw motor flag; only zero versus non-zero is meaningful.
	Motor json.Number `json:"motor"`
}

// MotorOn reports whether the motor flag is non-zero. A missing or
// unreadable flag reads as off.
func (r Reading) MotorOn() bool {
	if r.Motor == "" {
		return false
	}
	f, err := r.Motor.Float64()
	if err != nil {
		return false
	}
	return f != 0
}
