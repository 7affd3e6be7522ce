package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/daemon"
	"github.com/nerrad567/lakeshore336d/internal/telemetry"
)

// StatusResponse is the JSON document served at /api/v1/status.
type StatusResponse struct {
	Version       string           `json:"version"`
	Address       string           `json:"address"`
	PIDFile       string           `json:"pid_file"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Device        DeviceStatus     `json:"device"`
	Monitor       MonitorStatus    `json:"monitor"`
	Database      DatabaseResponse `json:"database"`
}

// DeviceStatus describes the controller session.
type DeviceStatus struct {
	State        string         `json:"state"`
	Address      string         `json:"address"`
	ConfigFile   string         `json:"config_file"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	SerialNumber string         `json:"serial_number,omitempty"`
	Firmware     string         `json:"firmware,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Inputs       []InputStatus  `json:"inputs"`
	Heaters      []HeaterStatus `json:"heaters"`
}

// InputStatus is the configuration and latest reading of one input.
type InputStatus struct {
	telemetry.InputPayload
	Enabled   bool    `json:"enabled"`
	CurveID   int     `json:"curve_id"`
	TempLimit float64 `json:"temp_limit_k"`
}

// HeaterStatus is the configuration and latest state of one heater.
type HeaterStatus struct {
	telemetry.HeaterPayload
	Active       bool    `json:"active"`
	Resistance   float64 `json:"resistance_ohm"`
	MaxCurrent   float64 `json:"max_current_a"`
	ControlInput string  `json:"control_input"`
}

// MonitorStatus describes the sampling loop.
type MonitorStatus struct {
	Running   bool       `json:"running"`
	Terminal  bool       `json:"terminal"`
	Database  bool       `json:"database"`
	Started   *time.Time `json:"started,omitempty"`
	Ticks     uint64     `json:"ticks"`
	LastTick  *time.Time `json:"last_tick,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Table     string     `json:"table,omitempty"`
	Columns   []string   `json:"columns,omitempty"`
}

// DatabaseResponse describes the time-series database connection.
type DatabaseResponse struct {
	Open       bool   `json:"open"`
	Driver     string `json:"driver,omitempty"`
	Target     string `json:"target,omitempty"`
	Table      string `json:"table,omitempty"`
	ConfigFile string `json:"config_file,omitempty"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

// handleStatus returns the cached daemon state. It does not talk to the
// controller.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStatusResponse(s.status.Status(r.Context())))
}

func newStatusResponse(st daemon.Status) StatusResponse {
	snap := st.Device
	resp := StatusResponse{
		Version:       st.Version,
		Address:       st.Address,
		PIDFile:       st.PIDFile,
		UptimeSeconds: st.Uptime.Seconds(),
		Device: DeviceStatus{
			State:        snap.State.String(),
			Address:      snap.Config.Address(),
			ConfigFile:   snap.ConfigPath,
			Manufacturer: snap.Identity.Manufacturer,
			Model:        snap.Identity.Model,
			SerialNumber: snap.Identity.SerialNumber,
			Firmware:     snap.Identity.Firmware,
			LastError:    errString(snap.LastError),
			Inputs:       make([]InputStatus, 0, len(snap.Inputs)),
			Heaters:      make([]HeaterStatus, 0, len(snap.Heaters)),
		},
		Monitor: MonitorStatus{
			Running:   st.Monitor.Running,
			Terminal:  st.Monitor.Options.Terminal,
			Database:  st.Monitor.Options.Storage != nil,
			Started:   timeOrNil(st.Monitor.Started),
			Ticks:     st.Monitor.Ticks,
			LastTick:  timeOrNil(st.Monitor.LastTick),
			LastError: errString(st.Monitor.LastErr),
			Table:     st.Monitor.Table,
			Columns:   st.Monitor.Columns,
		},
		Database: DatabaseResponse{
			Open:       st.Database.Open,
			Driver:     st.Database.Driver,
			Target:     st.Database.Target,
			Table:      st.Database.Table,
			ConfigFile: st.Database.ConfigFile,
			Healthy:    st.Database.Open && st.Database.HealthErr == nil,
			Error:      errString(st.Database.HealthErr),
		},
	}

	for i, in := range snap.Inputs {
		cfg := snap.Config.Inputs[i]
		resp.Device.Inputs = append(resp.Device.Inputs, InputStatus{
			InputPayload: telemetry.NewInputPayload(in),
			Enabled:      cfg.Enabled,
			CurveID:      cfg.CurveID,
			TempLimit:    cfg.TempLimit,
		})
	}
	for i, h := range snap.Heaters {
		cfg := snap.Config.Heaters[i]
		resp.Device.Heaters = append(resp.Device.Heaters, HeaterStatus{
			HeaterPayload: telemetry.NewHeaterPayload(h),
			Active:        cfg.Active,
			Resistance:    cfg.Resistance,
			MaxCurrent:    cfg.MaxCurrent,
			ControlInput:  cfg.ControlInput,
		})
	}

	return resp
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
