package lakeshore

import (
	"fmt"
	"math"
	"strings"
)

// Hardware dimensions of the Model 336.
const (
	NumInputs  = 4
	NumHeaters = 2
)

// Channels lists the input channel letters in front-panel order.
var Channels = [NumInputs]string{"A", "B", "C", "D"}

// channelIndex returns the position of a channel letter, or -1.
func channelIndex(ch string) int {
	for i, c := range Channels {
		if strings.EqualFold(c, ch) {
			return i
		}
	}
	return -1
}

// DataStatus is the reading status bit field returned by RDGST?.
type DataStatus int

// Reading status bits.
const (
	StatusOK                   DataStatus = 0
	StatusInvalidReading       DataStatus = 1
	StatusTempUnderRange       DataStatus = 16
	StatusTempOverRange        DataStatus = 32
	StatusSensorUnitsZero      DataStatus = 64
	StatusSensorUnitsOverRange DataStatus = 128
)

// ResistanceValid reports whether the sensor-unit reading can be trusted.
func (s DataStatus) ResistanceValid() bool { return s < StatusSensorUnitsZero }

// TemperatureValid reports whether the kelvin reading can be trusted.
func (s DataStatus) TemperatureValid() bool { return s == StatusOK }

func (s DataStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidReading:
		return "invalid_reading"
	case StatusTempUnderRange:
		return "temp_under_range"
	case StatusTempOverRange:
		return "temp_over_range"
	case StatusSensorUnitsZero:
		return "sensor_units_zero"
	case StatusSensorUnitsOverRange:
		return "sensor_units_over_range"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// HeaterMode is the control mode of an output (OUTMODE).
type HeaterMode int

// Output modes.
const (
	ModeOff HeaterMode = iota
	ModeClosedLoop
	ModeZone
	ModeOpenLoop
	ModeMonitorOut
	ModeWarmup
)

var heaterModeNames = [...]string{"off", "closed_loop", "zone", "open_loop", "monitor_out", "warmup"}

func (m HeaterMode) String() string {
	if m < 0 || int(m) >= len(heaterModeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return heaterModeNames[m]
}

// HeaterRange is the power range of an output (RANGE).
type HeaterRange int

// Heater ranges. The ordinal is what the device expects.
const (
	RangeOff HeaterRange = iota
	RangeLow
	RangeMedium
	RangeHigh
)

var heaterRangeNames = [...]string{"off", "low", "medium", "high"}

func (r HeaterRange) String() string {
	if !r.Valid() {
		return fmt.Sprintf("range(%d)", int(r))
	}
	return heaterRangeNames[r]
}

// Valid reports whether r is one of the four ranges.
func (r HeaterRange) Valid() bool {
	return r >= RangeOff && r <= RangeHigh
}

// ParseHeaterRange accepts a range name, case-insensitively.
func ParseHeaterRange(s string) (HeaterRange, error) {
	for i, name := range heaterRangeNames {
		if strings.EqualFold(s, name) {
			return HeaterRange(i), nil
		}
	}
	return RangeOff, fmt.Errorf("%w: heater range %q (want off, low, medium or high)", ErrInvalidArgument, s)
}

// HeaterRangeNames lists the accepted range names in ordinal order.
func HeaterRangeNames() []string {
	return append([]string(nil), heaterRangeNames[:]...)
}

// MaxPower is the full-scale power of a heater in watts:
// R·I²·10^(range−3), or zero when the range is off.
func MaxPower(resistance, maxCurrent float64, r HeaterRange) float64 {
	if r == RangeOff || !r.Valid() {
		return 0
	}
	return resistance * maxCurrent * maxCurrent * math.Pow(10, float64(r)-3)
}

// CurveFormat is the sensor-unit format of a user curve.
type CurveFormat int

// Curve formats.
const (
	FormatMVPerK     CurveFormat = 1
	FormatVPerK      CurveFormat = 2
	FormatOhmPerK    CurveFormat = 3
	FormatLogOhmPerK CurveFormat = 4
)

var curveFormatNames = map[CurveFormat]string{
	FormatMVPerK:     "mV_per_K",
	FormatVPerK:      "V_per_K",
	FormatOhmPerK:    "Ohm_per_K",
	FormatLogOhmPerK: "log_Ohm_per_K",
}

func (f CurveFormat) String() string {
	if name, ok := curveFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseCurveFormat accepts a format name as written in curve files.
func ParseCurveFormat(s string) (CurveFormat, error) {
	for f, name := range curveFormatNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: curve format %q", ErrInvalidArgument, s)
}

// Coefficient is the temperature coefficient sign of a user curve.
type Coefficient int

// Coefficients.
const (
	CoefficientNegative Coefficient = 1
	CoefficientPositive Coefficient = 2
)

func (c Coefficient) String() string {
	switch c {
	case CoefficientNegative:
		return "negative"
	case CoefficientPositive:
		return "positive"
	default:
		return fmt.Sprintf("coefficient(%d)", int(c))
	}
}

// ParseCoefficient accepts a coefficient name as written in curve files.
func ParseCoefficient(s string) (Coefficient, error) {
	switch s {
	case "negative":
		return CoefficientNegative, nil
	case "positive":
		return CoefficientPositive, nil
	default:
		return 0, fmt.Errorf("%w: curve coefficient %q", ErrInvalidArgument, s)
	}
}

// Identity is the parsed *IDN? reply.
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
	Firmware     string `json:"firmware"`
}

func (id Identity) String() string {
	if id.Model == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s %s s/n %s fw %s", id.Manufacturer, id.Model, id.SerialNumber, id.Firmware)
}

// State is the connection state of a Session.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateConnected
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InputReading is the latest readout of one input. Unread or invalid
// values are NaN, so the struct is not meant for encoding/json as is.
type InputReading struct {
	Channel     string
	Label       string
	Status      DataStatus
	Resistance  float64
	Temperature float64
}

// HeaterState is the runtime state of one heater output.
// OutputPercent and Power are NaN until the output has been read.
type HeaterState struct {
	ID            int
	Mode          HeaterMode
	Range         HeaterRange
	Setpoint      float64
	MaxPower      float64
	OutputPercent float64
	Power         float64
}

// Readout is the result of one RetrieveSample call: enabled inputs and
// active heaters in configuration order.
type Readout struct {
	Inputs  []InputReading
	Heaters []HeaterState
}
