package daemon

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
	"github.com/nerrad567/lakeshore336d/internal/monitor"
	"github.com/nerrad567/lakeshore336d/internal/telemetry"
)

func TestNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{77, "77.0"},
		{77.5, "77.5"},
		{0.0625, "0.0625"},
		{-1.25, "-1.25"},
		{math.NaN(), "None"},
	}

	for _, tt := range tests {
		if got := number(tt.in); got != tt.want {
			t.Errorf("number(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHeader(t *testing.T) {
	want := "------\nDaemon\n------\n"
	if got := header("Daemon"); got != want {
		t.Errorf("header() = %q, want %q", got, want)
	}
	if got := trailer("Daemon"); got != "------\n\n" {
		t.Errorf("trailer() = %q", got)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err      error
		wantKind string
	}{
		{fmt.Errorf("%w: bad label", lakeshore.ErrConfig), "ConfigError"},
		{fmt.Errorf("%w: setpoint", lakeshore.ErrInvalidArgument), "InvalidArgument"},
		{fmt.Errorf("%w: readback", lakeshore.ErrDeviceProtocol), "DeviceProtocolError"},
		{fmt.Errorf("%w: timeout", lakeshore.ErrDeviceUnavailable), "DeviceUnavailable"},
		{monitor.ErrAlreadyRunning, "MonitorAlreadyRunning"},
		{monitor.ErrNotStopped, "MonitorNotStopped"},
		{fmt.Errorf("%w after 5 attempts: %w", monitor.ErrReconnectFailed, lakeshore.ErrDeviceUnavailable), "ReconnectFailed"},
		{fmt.Errorf("%w: insert", telemetry.ErrDatabase), "DatabaseError"},
		{errors.New("boom"), "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.wantKind, func(t *testing.T) {
			got := describe(tt.err)
			if !strings.HasPrefix(got, tt.wantKind+": ") || !strings.HasSuffix(got, tt.err.Error()) {
				t.Errorf("describe() = %q, want %q prefix", got, tt.wantKind)
			}
		})
	}
}

func TestCurveSummary(t *testing.T) {
	c := &lakeshore.Curve{
		ID:           21,
		Name:         "DT-670",
		SerialNumber: "D6012345",
		Format:       lakeshore.FormatVPerK,
		LimitValue:   325,
		Coefficient:  lakeshore.CoefficientNegative,
	}
	want := "-----------------\n" +
		"Curve 21 - DT-670\n" +
		"-----------------\n" +
		"Serial Number:       D6012345\n" +
		"Format:              V_per_K\n" +
		"Limit Value:         325.0 K\n" +
		"Coefficient:         negative\n"
	if got := curveSummary(c); got != want {
		t.Errorf("curveSummary() =\n%s\nwant\n%s", got, want)
	}
}

func TestMonitorSection(t *testing.T) {
	stopped := monitorSection(monitor.Status{})
	if !strings.Contains(stopped, "state = stopped\n") || strings.Contains(stopped, "ticks") {
		t.Errorf("stopped section =\n%s", stopped)
	}

	failed := monitorSection(monitor.Status{
		Options: monitor.Options{Terminal: true},
		LastErr: monitor.ErrReconnectFailed,
		Columns: []string{"sampleA_temp", "sampleA_res"},
	})
	for _, want := range []string{
		"terminal = Yes\n",
		"database = No\n",
		"last_error = ReconnectFailed: monitor: reconnect failed\n",
		"columns = sampleA_temp, sampleA_res\n",
	} {
		if !strings.Contains(failed, want) {
			t.Errorf("section lacks %q:\n%s", want, failed)
		}
	}
}

func TestDatabaseSection(t *testing.T) {
	if got := databaseSection(DatabaseStatus{}); !strings.Contains(got, "connection = none\n") {
		t.Errorf("closed section =\n%s", got)
	}
	got := databaseSection(DatabaseStatus{Open: true, Driver: "sqlite3", Target: "/tmp/x.db", Table: "cryosystem"})
	for _, want := range []string{"driver = sqlite3\n", "table = cryosystem\n", "health = ok\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("section lacks %q:\n%s", want, got)
		}
	}
}
