package daemon

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
	"github.com/nerrad567/lakeshore336d/internal/monitor"
)

// header frames a section title between two dashed rules as wide as the title.
func header(title string) string {
	rule := strings.Repeat("-", len(title))
	return rule + "\n" + title + "\n" + rule + "\n"
}

// trailer closes a section opened with header.
func trailer(title string) string {
	return strings.Repeat("-", len(title)) + "\n\n"
}

// number prints v in its shortest form, always with a decimal point,
// and "None" for NaN.
func number(v float64) string {
	if math.IsNaN(v) {
		return "None"
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// deviceInfo renders the sensor and heater tables of "lakeshore --device-info".
func deviceInfo(snap lakeshore.Snapshot) string {
	var b strings.Builder

	title := fmt.Sprintf("%-15s%-15s%s", "Sensor", "Logging", "Latest Value")
	b.WriteString(header(title))
	for i, in := range snap.Config.Inputs {
		if in.Label == "" {
			continue
		}
		r := snap.Inputs[i]
		fmt.Fprintf(&b, "%-15s%-15s%-15s%-15s\n", in.Label, yesNo(in.Enabled), number(r.Resistance), number(r.Temperature))
	}
	b.WriteString(trailer(title))

	title = fmt.Sprintf("%-15s%-15s%-20s%-20s%-20s%s",
		"Heater", "Active", "Control Input", "Resistance [Ohm]", "Max Current [A]", "Latest Power")
	b.WriteString(header(title))
	for i, h := range snap.Config.Heaters {
		if !h.Active {
			fmt.Fprintf(&b, "%-15d%-15s%-20s%-20s%-20s%-15s\n", h.ID, "No", "-", "-", "-", "-")
			continue
		}
		power := "None"
		if st := snap.Heaters[i]; !math.IsNaN(st.OutputPercent) {
			power = number(st.OutputPercent) + " %"
		}
		fmt.Fprintf(&b, "%-15d%-15s%-20s%-20s%-20s%-15s\n", h.ID, "Yes",
			"Sensor "+h.ControlInput, number(h.Resistance), number(h.MaxCurrent), power)
	}
	b.WriteString(trailer(title))

	return b.String()
}

// singleReadout renders one RetrieveSample result.
func singleReadout(ts time.Time, r lakeshore.Readout) string {
	var b strings.Builder
	title := "Readout at " + ts.Format(time.RFC3339)
	b.WriteString(header(title))
	for _, in := range r.Inputs {
		fmt.Fprintf(&b, "%-15s%-10s %s K  %s Ohm\n", in.Label+":", in.Status, number(in.Temperature), number(in.Resistance))
	}
	for _, h := range r.Heaters {
		fmt.Fprintf(&b, "%-15s%-10s %s %%  %s W  setpoint %s K\n", fmt.Sprintf("Heater %d:", h.ID), h.Range,
			number(h.OutputPercent), number(h.Power), number(h.Setpoint))
	}
	b.WriteString(trailer(title))
	return b.String()
}

// curveSummary renders a curve header as "curve_retrieve" and "curve_load" reply with it.
func curveSummary(c *lakeshore.Curve) string {
	var b strings.Builder
	b.WriteString(header(fmt.Sprintf("Curve %d - %s", c.ID, c.Name)))
	fmt.Fprintf(&b, "%-20s %s\n", "Serial Number:", c.SerialNumber)
	fmt.Fprintf(&b, "%-20s %s\n", "Format:", c.Format)
	fmt.Fprintf(&b, "%-20s %s K\n", "Limit Value:", number(c.LimitValue))
	fmt.Fprintf(&b, "%-20s %s\n", "Coefficient:", c.Coefficient)
	return b.String()
}

// dataFileLine ends a curve reply with the file the points were read from or written to.
func dataFileLine(path string, points int) string {
	return fmt.Sprintf("%-20s %s (%d points)\n", "Data file:", path, points)
}

// statusReport renders the "status" reply.
func statusReport(st Status) string {
	var b strings.Builder

	title := "Daemon"
	b.WriteString(header(title))
	fmt.Fprintf(&b, "version = %s\n", st.Version)
	fmt.Fprintf(&b, "address = %s\n", st.Address)
	fmt.Fprintf(&b, "pid_file = %s\n", st.PIDFile)
	fmt.Fprintf(&b, "uptime = %s\n", st.Uptime.Round(time.Second))
	b.WriteString(trailer(title))

	dev := st.Device
	title = "Device"
	b.WriteString(header(title))
	fmt.Fprintf(&b, "state = %s\n", dev.State)
	fmt.Fprintf(&b, "identity = %s\n", dev.Identity)
	fmt.Fprintf(&b, "address = %s\n", dev.Config.Address())
	fmt.Fprintf(&b, "config_file = %s\n", dev.ConfigPath)
	if dev.LastError != nil {
		fmt.Fprintf(&b, "last_error = %s\n", describe(dev.LastError))
	}
	if st.ReadoutErr != nil {
		fmt.Fprintf(&b, "readout_error = %s\n", describe(st.ReadoutErr))
	}
	b.WriteString(trailer(title))

	b.WriteString(monitorSection(st.Monitor))
	b.WriteString(databaseSection(st.Database))

	title = "Inputs"
	b.WriteString(header(title))
	for i, in := range dev.Config.Inputs {
		if !in.Enabled {
			continue
		}
		r := dev.Inputs[i]
		fmt.Fprintf(&b, "Input %s (%s)\n", in.Channel, in.Label)
		fmt.Fprintf(&b, "  curve = %d\n", in.CurveID)
		fmt.Fprintf(&b, "  temp_limit = %s K\n", number(in.TempLimit))
		fmt.Fprintf(&b, "  status = %s\n", r.Status)
		fmt.Fprintf(&b, "  temperature = %s K\n", number(r.Temperature))
		fmt.Fprintf(&b, "  resistance = %s Ohm\n", number(r.Resistance))
	}
	b.WriteString(trailer(title))

	title = "Heaters"
	b.WriteString(header(title))
	for i, h := range dev.Config.Heaters {
		fmt.Fprintf(&b, "Heater %d\n", h.ID)
		fmt.Fprintf(&b, "  Active = %s\n", yesNo(h.Active))
		if !h.Active {
			continue
		}
		hs := dev.Heaters[i]
		fmt.Fprintf(&b, "  control_input = %s\n", h.ControlInput)
		fmt.Fprintf(&b, "  mode = %s\n", hs.Mode)
		fmt.Fprintf(&b, "  setpoint = %s K\n", number(hs.Setpoint))
		fmt.Fprintf(&b, "  range = %s\n", hs.Range)
		fmt.Fprintf(&b, "  max_power = %s W\n", number(hs.MaxPower))
		fmt.Fprintf(&b, "  output = %s %%\n", number(hs.OutputPercent))
		fmt.Fprintf(&b, "  latest_power = %s W\n", number(hs.Power))
	}
	b.WriteString(trailer(title))

	return b.String()
}

func monitorSection(m monitor.Status) string {
	var b strings.Builder
	title := "Monitor"
	b.WriteString(header(title))
	if m.Running {
		b.WriteString("state = running\n")
	} else {
		b.WriteString("state = stopped\n")
	}
	fmt.Fprintf(&b, "terminal = %s\n", yesNo(m.Options.Terminal))
	fmt.Fprintf(&b, "database = %s\n", yesNo(m.Options.Storage != nil))
	if !m.Started.IsZero() {
		fmt.Fprintf(&b, "started = %s\n", m.Started.Format(time.RFC3339))
		fmt.Fprintf(&b, "ticks = %d\n", m.Ticks)
	}
	if !m.LastTick.IsZero() {
		fmt.Fprintf(&b, "last_tick = %s\n", m.LastTick.Format(time.RFC3339))
	}
	if m.LastErr != nil {
		fmt.Fprintf(&b, "last_error = %s\n", describe(m.LastErr))
	}
	if len(m.Columns) > 0 {
		fmt.Fprintf(&b, "columns = %s\n", strings.Join(m.Columns, ", "))
	}
	b.WriteString(trailer(title))
	return b.String()
}

func databaseSection(db DatabaseStatus) string {
	var b strings.Builder
	title := "Database"
	b.WriteString(header(title))
	if !db.Open {
		b.WriteString("connection = none\n")
	} else {
		fmt.Fprintf(&b, "driver = %s\n", db.Driver)
		fmt.Fprintf(&b, "target = %s\n", db.Target)
		fmt.Fprintf(&b, "table = %s\n", db.Table)
		fmt.Fprintf(&b, "config_file = %s\n", db.ConfigFile)
		if db.HealthErr != nil {
			fmt.Fprintf(&b, "health = %v\n", db.HealthErr)
		} else {
			b.WriteString("health = ok\n")
		}
	}
	b.WriteString(trailer(title))
	return b.String()
}
