package telemetry

import (
	"math"
	"strings"
	"testing"
)

func TestFormatLine(t *testing.T) {
	got := FormatLine(testReadout())

	want := "sampleA: 77.012 K (95.25 Ohm) | sampleB: null K (null Ohm) | Heater 1: 0.050 W (setpoint 77.000 K)"
	if got != want {
		t.Errorf("FormatLine() =\n%q\nwant\n%q", got, want)
	}
	for _, token := range []string{"sampleA:", "sampleB:", "Heater 1:"} {
		if !strings.Contains(got, token) {
			t.Errorf("FormatLine() = %q, missing %q", got, token)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		v        float64
		decimals int
		want     string
	}{
		{1.23456, 3, "1.235"},
		{0, 1, "0.0"},
		{math.NaN(), 3, "null"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.v, tt.decimals); got != tt.want {
			t.Errorf("FormatValue(%v, %d) = %q, want %q", tt.v, tt.decimals, got, tt.want)
		}
	}
}
