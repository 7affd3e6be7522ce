package telemetry

import (
	"math"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
)

// JSON has no NaN, so unknown readings marshal as null through *float64.

// SamplePayload is the JSON document published for one tick.
type SamplePayload struct {
	Time    time.Time       `json:"time"`
	Inputs  []InputPayload  `json:"inputs"`
	Heaters []HeaterPayload `json:"heaters"`
}

// InputPayload is one sensor input of a SamplePayload.
type InputPayload struct {
	Channel     string   `json:"channel"`
	Label       string   `json:"label"`
	Status      string   `json:"status"`
	StatusCode  int      `json:"status_code"`
	Temperature *float64 `json:"temperature_k"`
	Resistance  *float64 `json:"resistance"`
}

// HeaterPayload is one heater output of a SamplePayload.
type HeaterPayload struct {
	ID            int      `json:"id"`
	Mode          string   `json:"mode"`
	Range         string   `json:"range"`
	Setpoint      *float64 `json:"setpoint_k"`
	MaxPower      *float64 `json:"max_power_w"`
	OutputPercent *float64 `json:"output_percent"`
	Power         *float64 `json:"power_w"`
}

// NewSamplePayload converts a readout taken at ts.
func NewSamplePayload(ts time.Time, r lakeshore.Readout) SamplePayload {
	p := SamplePayload{
		Time:    ts.UTC(),
		Inputs:  make([]InputPayload, 0, len(r.Inputs)),
		Heaters: make([]HeaterPayload, 0, len(r.Heaters)),
	}
	for _, in := range r.Inputs {
		p.Inputs = append(p.Inputs, NewInputPayload(in))
	}
	for _, h := range r.Heaters {
		p.Heaters = append(p.Heaters, NewHeaterPayload(h))
	}
	return p
}

// NewInputPayload converts one input reading.
func NewInputPayload(in lakeshore.InputReading) InputPayload {
	return InputPayload{
		Channel:     in.Channel,
		Label:       in.Label,
		Status:      in.Status.String(),
		StatusCode:  int(in.Status),
		Temperature: finite(in.Temperature),
		Resistance:  finite(in.Resistance),
	}
}

// NewHeaterPayload converts one heater state.
func NewHeaterPayload(h lakeshore.HeaterState) HeaterPayload {
	return HeaterPayload{
		ID:            h.ID,
		Mode:          h.Mode.String(),
		Range:         h.Range.String(),
		Setpoint:      finite(h.Setpoint),
		MaxPower:      finite(h.MaxPower),
		OutputPercent: finite(h.OutputPercent),
		Power:         finite(h.Power),
	}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
