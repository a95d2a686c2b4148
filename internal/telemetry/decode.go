package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a frame is not a telemetry record at all.
// The caller keeps its previous reading; the raw frame is still worth recording.
var ErrMalformed = errors.New("malformed telemetry frame")

// sensorErrorSentinel is what the controller sends for a failed sensor.
const sensorErrorSentinel = "error"

// wireFrame accepts both the compact keys and the long keys of older firmware.
type wireFrame struct {
	I json.RawMessage `json:"i"`
	E json.RawMessage `json:"e"`
	M json.RawMessage `json:"m"`

	Internal json.RawMessage `json:"internal"`
	External json.RawMessage `json:"external"`
	Motor    json.RawMessage `json:"motor"`
}

type wireSample struct {
	RH json.Number `json:"rH"`
	H  json.Number `json:"H"`
	AH json.Number `json:"aH"`
	T  json.Number `json:"T"`
}

// Decode turns one frame into a Reading. It never panics; a frame that is not
// a JSON object carrying at least one of the expected fields yields ErrMalformed.
// Each sample is decoded on its own, so one broken sensor does not hide the other.
func Decode(frame string) (Reading, error) {
	data := bytes.TrimSpace([]byte(frame))
	if len(data) == 0 || data[0] != '{' {
		return Reading{}, ErrMalformed
	}

	var wf wireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	internal := firstPresent(wf.I, wf.Internal)
	external := firstPresent(wf.E, wf.External)
	motor := firstPresent(wf.M, wf.Motor)
	if internal == nil && external == nil && motor == nil {
		return Reading{}, fmt.Errorf("%w: no telemetry fields", ErrMalformed)
	}

	return Reading{
		Internal: decodeSample(internal),
		External: decodeSample(external),
		Motor:    decodeMotor(motor),
	}, nil
}

func firstPresent(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}

func decodeSample(raw json.RawMessage) SampleReading {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return SampleReading{Status: StatusMissing}
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s == sensorErrorSentinel {
			return SampleReading{Status: StatusSensorError}
		}
		return SampleReading{Status: StatusGarbled}
	case '{':
	default:
		return SampleReading{Status: StatusGarbled}
	}

	var ws wireSample
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ws); err != nil {
		return SampleReading{Status: StatusGarbled}
	}

	rh := ws.RH
	if rh == "" {
		rh = ws.H
	}
	if rh == "" || ws.T == "" {
		return SampleReading{Status: StatusGarbled}
	}

	return SampleReading{
		Sample: Sample{
			RelativeHumidity: rh,
			AbsoluteHumidity: ws.AH,
			Temperature:      ws.T,
		},
		Status: StatusOK,
	}
}

func decodeMotor(raw json.RawMessage) json.Number {
	switch string(raw) {
	case "", "null":
		return ""
	case "true":
		return "1"
	case "false":
		return "0"
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n
}
