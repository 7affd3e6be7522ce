package telemetry

import (
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
)

// ColumnKind identifies which reading a column holds.
type ColumnKind int

// Column kinds.
const (
	KindTemperature ColumnKind = iota
	KindResistance
	KindHeaterPower
	KindHeaterSetpoint
)

// Column is one persisted value of a sample.
type Column struct {
	Name    string
	Kind    ColumnKind
	Channel string // inputs only
	Heater  int    // heaters only
}

// Schema is the ordered column list derived from an instrument
// configuration: for each enabled input "L" the columns L_temp and L_res,
// then for each active heater "H" heaterH_power and heaterH_setp. The
// timestamp column is implicit. A Schema never changes once built.
type Schema struct {
	columns []Column
}

// NewSchema derives the column list of cfg.
func NewSchema(cfg *lakeshore.Config) Schema {
	var cols []Column
	for _, in := range cfg.EnabledInputs() {
		cols = append(cols,
			Column{Name: in.Label + "_temp", Kind: KindTemperature, Channel: in.Channel},
			Column{Name: in.Label + "_res", Kind: KindResistance, Channel: in.Channel},
		)
	}
	for _, h := range cfg.ActiveHeaters() {
		cols = append(cols,
			Column{Name: fmt.Sprintf("heater%d_power", h.ID), Kind: KindHeaterPower, Heater: h.ID},
			Column{Name: fmt.Sprintf("heater%d_setp", h.ID), Kind: KindHeaterSetpoint, Heater: h.ID},
		)
	}
	return Schema{columns: cols}
}

// Columns returns the column descriptions in order.
func (s Schema) Columns() []Column {
	return append([]Column(nil), s.columns...)
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of value columns.
func (s Schema) Len() int {
	return len(s.columns)
}

// Row is one sample in schema order. Unknown readings are NaN.
type Row struct {
	Time   time.Time
	Values []float64
}

// Row maps a readout onto the schema. Inputs or heaters missing from the
// readout give NaN.
func (s Schema) Row(ts time.Time, r lakeshore.Readout) Row {
	inputs := make(map[string]lakeshore.InputReading, len(r.Inputs))
	for _, in := range r.Inputs {
		inputs[in.Channel] = in
	}
	heaters := make(map[int]lakeshore.HeaterState, len(r.Heaters))
	for _, h := range r.Heaters {
		heaters[h.ID] = h
	}

	values := make([]float64, len(s.columns))
	for i, c := range s.columns {
		v := math.NaN()
		switch c.Kind {
		case KindTemperature:
			if in, ok := inputs[c.Channel]; ok {
				v = in.Temperature
			}
		case KindResistance:
			if in, ok := inputs[c.Channel]; ok {
				v = in.Resistance
			}
		case KindHeaterPower:
			if h, ok := heaters[c.Heater]; ok {
				v = h.Power
			}
		case KindHeaterSetpoint:
			if h, ok := heaters[c.Heater]; ok {
				v = h.Setpoint
			}
		}
		values[i] = v
	}
	return Row{Time: ts, Values: values}
}
