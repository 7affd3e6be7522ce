package telemetry

import (
	"fmt"
	"math"
	"strings"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
)

// FormatLine renders a readout as the single terminal line of a tick:
//
//	sampleA: 77.012 K (95.34 Ohm) | Heater 1: 0.031 W (setpoint 77.000 K)
func FormatLine(r lakeshore.Readout) string {
	parts := make([]string, 0, len(r.Inputs)+len(r.Heaters))
	for _, in := range r.Inputs {
		parts = append(parts, fmt.Sprintf("%s: %s K (%s Ohm)",
			in.Label, FormatValue(in.Temperature, 3), FormatValue(in.Resistance, 2)))
	}
	for _, h := range r.Heaters {
		parts = append(parts, fmt.Sprintf("Heater %d: %s W (setpoint %s K)",
			h.ID, FormatValue(h.Power, 3), FormatValue(h.Setpoint, 3)))
	}
	return strings.Join(parts, " | ")
}

// FormatValue prints v with the given decimals, or "null" when v is NaN.
func FormatValue(v float64, decimals int) string {
	if math.IsNaN(v) {
		return "null"
	}
	return fmt.Sprintf("%.*f", decimals, v)
}
