package lakeshore

import (
	"errors"
	"math"
	"testing"
)

func TestMaxPower(t *testing.T) {
	tests := []struct {
		name       string
		resistance float64
		current    float64
		rng        HeaterRange
		want       float64
	}{
		{"off", 50, 1, RangeOff, 0},
		{"low", 50, 0.5, RangeLow, 0.125},
		{"medium", 25, 1, RangeMedium, 2.5},
		{"high", 50, 1, RangeHigh, 50},
		{"invalid range", 50, 1, HeaterRange(9), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaxPower(tt.resistance, tt.current, tt.rng)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("MaxPower() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseHeaterRange(t *testing.T) {
	for i, name := range HeaterRangeNames() {
		got, err := ParseHeaterRange(name)
		if err != nil || got != HeaterRange(i) {
			t.Errorf("ParseHeaterRange(%q) = %v, %v, want %d", name, got, err, i)
		}
	}
	if got, _ := ParseHeaterRange("HIGH"); got != RangeHigh {
		t.Errorf("ParseHeaterRange(HIGH) = %v, want high", got)
	}
	if _, err := ParseHeaterRange("max"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseHeaterRange(max) error = %v, want ErrInvalidArgument", err)
	}
}

func TestDataStatusValidity(t *testing.T) {
	tests := []struct {
		status   DataStatus
		wantRes  bool
		wantTemp bool
	}{
		{StatusOK, true, true},
		{StatusInvalidReading, true, false},
		{StatusTempUnderRange, true, false},
		{StatusTempOverRange, true, false},
		{StatusSensorUnitsZero, false, false},
		{StatusSensorUnitsOverRange, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.ResistanceValid(); got != tt.wantRes {
				t.Errorf("ResistanceValid() = %v, want %v", got, tt.wantRes)
			}
			if got := tt.status.TemperatureValid(); got != tt.wantTemp {
				t.Errorf("TemperatureValid() = %v, want %v", got, tt.wantTemp)
			}
		})
	}
}

func TestCurveFormatNames(t *testing.T) {
	for _, f := range []CurveFormat{FormatMVPerK, FormatVPerK, FormatOhmPerK, FormatLogOhmPerK} {
		got, err := ParseCurveFormat(f.String())
		if err != nil || got != f {
			t.Errorf("ParseCurveFormat(%q) = %v, %v, want %v", f.String(), got, err, f)
		}
	}
}
