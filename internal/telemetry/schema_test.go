package telemetry

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
)

func testConfig() *lakeshore.Config {
	cfg := &lakeshore.Config{Host: "127.0.0.1", Port: lakeshore.DefaultPort}
	for i, ch := range lakeshore.Channels {
		cfg.Inputs[i] = lakeshore.Input{Channel: ch}
	}
	cfg.Inputs[0] = lakeshore.Input{Channel: "A", Label: "sampleA", Enabled: true, CurveID: 21, TempLimit: 320}
	cfg.Inputs[1] = lakeshore.Input{Channel: "B", Label: "sampleB", Enabled: true, CurveID: 22, TempLimit: 320}
	cfg.Inputs[2] = lakeshore.Input{Channel: "C", Label: "shield", CurveID: 1, TempLimit: 300}
	cfg.Heaters[0] = lakeshore.Heater{ID: 1, Active: true, Resistance: 50, MaxCurrent: 0.5, ControlInput: "A"}
	cfg.Heaters[1] = lakeshore.Heater{ID: 2, Resistance: 25, MaxCurrent: 1, ControlInput: "B"}
	return cfg
}

func testReadout() lakeshore.Readout {
	return lakeshore.Readout{
		Inputs: []lakeshore.InputReading{
			{Channel: "A", Label: "sampleA", Status: lakeshore.StatusOK, Resistance: 95.25, Temperature: 77.012},
			{Channel: "B", Label: "sampleB", Status: lakeshore.StatusSensorUnitsOverRange, Resistance: math.NaN(), Temperature: math.NaN()},
		},
		Heaters: []lakeshore.HeaterState{
			{ID: 1, Mode: lakeshore.ModeClosedLoop, Range: lakeshore.RangeLow, Setpoint: 77, MaxPower: 0.125, OutputPercent: 40, Power: 0.05},
		},
	}
}

func TestNewSchema(t *testing.T) {
	s := NewSchema(testConfig())

	want := []string{"sampleA_temp", "sampleA_res", "sampleB_temp", "sampleB_res", "heater1_power", "heater1_setp"}
	if got := s.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if s.Len() != 2*2+2*1 {
		t.Errorf("Len() = %d, want 2|I| + 2|H| = 6", s.Len())
	}
}

func TestNewSchemaEmpty(t *testing.T) {
	cfg := &lakeshore.Config{}
	if got := NewSchema(cfg).Len(); got != 0 {
		t.Errorf("Len() = %d, want 0 without enabled inputs", got)
	}
}

func TestSchemaRow(t *testing.T) {
	s := NewSchema(testConfig())
	ts := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)

	row := s.Row(ts, testReadout())
	if !row.Time.Equal(ts) {
		t.Errorf("Time = %v, want %v", row.Time, ts)
	}
	if len(row.Values) != s.Len() {
		t.Fatalf("len(Values) = %d, want %d", len(row.Values), s.Len())
	}

	tests := []struct {
		column int
		want   float64
	}{
		{0, 77.012},
		{1, 95.25},
		{2, math.NaN()},
		{3, math.NaN()},
		{4, 0.05},
		{5, 77},
	}
	for _, tt := range tests {
		got := row.Values[tt.column]
		if math.IsNaN(tt.want) {
			if !math.IsNaN(got) {
				t.Errorf("Values[%d] = %v, want NaN", tt.column, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("Values[%d] = %v, want %v", tt.column, got, tt.want)
		}
	}
}

func TestSchemaRowMissingReadings(t *testing.T) {
	s := NewSchema(testConfig())

	row := s.Row(time.Now(), lakeshore.Readout{})
	for i, v := range row.Values {
		if !math.IsNaN(v) {
			t.Errorf("Values[%d] = %v, want NaN for a missing reading", i, v)
		}
	}
}
