package daemon

import (
	"errors"
	"fmt"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
	"github.com/nerrad567/lakeshore336d/internal/monitor"
	"github.com/nerrad567/lakeshore336d/internal/telemetry"
)

// ErrAlreadyRunning is returned by Start when another daemon holds the PID file.
var ErrAlreadyRunning = errors.New("daemon: another instance is running")

// errorKinds maps sentinel errors to the names shown to operators.
// Order matters: the first match wins.
var errorKinds = []struct {
	err  error
	kind string
}{
	{lakeshore.ErrConfig, "ConfigError"},
	{lakeshore.ErrInvalidArgument, "InvalidArgument"},
	{lakeshore.ErrDeviceProtocol, "DeviceProtocolError"},
	{monitor.ErrAlreadyRunning, "MonitorAlreadyRunning"},
	{monitor.ErrNotRunning, "MonitorNotRunning"},
	{monitor.ErrNotStopped, "MonitorNotStopped"},
	{monitor.ErrReconnectFailed, "ReconnectFailed"},
	{telemetry.ErrDatabase, "DatabaseError"},
	{lakeshore.ErrDeviceUnavailable, "DeviceUnavailable"},
	{ErrAlreadyRunning, "AlreadyRunning"},
}

// errorKind names the category of err for replies.
func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Error"
}

// describe renders err as "Kind: message".
func describe(err error) string {
	return fmt.Sprintf("%s: %v", errorKind(err), err)
}
