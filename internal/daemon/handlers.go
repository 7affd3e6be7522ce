package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
	"github.com/nerrad567/lakeshore336d/internal/monitor"
)

// errorReply renders err as a client reply.
func errorReply(err error) string {
	return "Error! " + describe(err) + "\n"
}

// Execute parses and runs one command line and returns the reply text.
// quit reports whether the line was a quit command. Commands run one at a
// time.
func (d *Daemon) Execute(ctx context.Context, line string) (reply string, quit bool) {
	cmd, err := Parse(line)
	if err != nil {
		return errorReply(err), false
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	switch c := cmd.(type) {
	case QuitCommand:
		return d.handleQuit(ctx), true
	case StatusCommand:
		return d.handleStatus(ctx), false
	case *HelpCommand:
		return Usage(c.Topic), false
	case *LakeshoreCommand:
		return d.handleLakeshore(ctx, c), false
	case *LoggingCommand:
		return d.handleLogging(ctx, c), false
	case *CurveRetrieveCommand:
		return d.handleCurveRetrieve(ctx, c), false
	case *CurveLoadCommand:
		return d.handleCurveLoad(ctx, c), false
	case *HeaterControlCommand:
		return d.handleHeaterControl(ctx, c), false
	default:
		return errorReply(fmt.Errorf("%w: unhandled command %q", lakeshore.ErrInvalidArgument, cmd.Name())), false
	}
}

func (d *Daemon) handleQuit(ctx context.Context) string {
	monitorErr, deviceErr := d.releaseDevice(ctx)
	switch {
	case monitorErr != nil:
		d.logger.Error("stopping monitor on quit failed", "error", monitorErr)
		return "Monitor thread error! " + describe(monitorErr) + "\n"
	case deviceErr != nil:
		d.logger.Warn("releasing controller on quit failed", "error", deviceErr)
		return "Device error! " + describe(deviceErr) + "\n"
	}
	d.logger.Info("quit requested, controller released")
	return "Device is now disconnected, terminating TCP daemon\n"
}

// handleStatus refreshes the cached readings when the monitor is idle so
// the report shows current values, then renders it.
func (d *Daemon) handleStatus(ctx context.Context) string {
	var readoutErr error
	if !d.monitor.Running() && d.session.State() == lakeshore.StateConnected {
		if _, err := d.session.RetrieveSample(ctx); err != nil {
			readoutErr = err
		}
	}
	st := d.Status(ctx)
	st.ReadoutErr = readoutErr
	return statusReport(st)
}

func (d *Daemon) handleLakeshore(ctx context.Context, c *LakeshoreCommand) string {
	var b strings.Builder

	if c.Restart {
		if err := d.cycleDevice(ctx, d.session.Reconnect); err != nil {
			return b.String() + errorReply(err)
		}
		b.WriteString("Device was restarted\n")
	}

	if c.Reload {
		path := c.ConfigPath
		if path == "" {
			path = d.session.ConfigPath()
		}
		// Reject a bad file before the monitor is touched.
		if _, err := lakeshore.LoadConfig(path); err != nil {
			return b.String() + errorReply(err)
		}
		reconfigure := func(ctx context.Context) error { return d.session.Reconfigure(ctx, path) }
		if err := d.cycleDevice(ctx, reconfigure); err != nil {
			return b.String() + errorReply(err)
		}
		b.WriteString("Device was reconfigured\n")
		if c.ConfigPath != "" {
			fmt.Fprintf(&b, "New configuration file: %s\n", path)
		}
	}

	if c.DeviceInfo {
		b.WriteString(deviceInfo(d.session.Snapshot()))
	}

	if c.SingleReadout {
		ts := time.Now()
		r, err := d.session.RetrieveSample(ctx)
		if err != nil {
			return b.String() + errorReply(err)
		}
		b.WriteString(singleReadout(ts, r))
	}

	b.WriteString("Lakeshore routine completed\n")
	return b.String()
}

// cycleDevice stops a running monitor, runs reconnect, relocks the front
// panel and restarts the monitor with the options it had.
func (d *Daemon) cycleDevice(ctx context.Context, reconnect func(context.Context) error) error {
	wasRunning := d.monitor.Running()
	opts := d.monitor.Options()
	if err := d.stopMonitorQuietly(); err != nil {
		return err
	}

	if err := reconnect(ctx); err != nil {
		return err
	}
	if err := d.session.LockFrontPanel(ctx); err != nil {
		d.logger.Warn("locking front panel failed", "error", err)
	}

	if wasRunning {
		return d.monitor.Start(ctx, opts)
	}
	return nil
}

func (d *Daemon) handleLogging(ctx context.Context, c *LoggingCommand) string {
	if c.Start {
		err := d.startMonitor(ctx, c.Terminal, c.UseDatabase, c.DatabasePath)
		switch {
		case errors.Is(err, monitor.ErrAlreadyRunning):
			return "Monitor thread is already running\n"
		case err != nil:
			return "Error launching Daemon Thread! " + describe(err) + "\n"
		}
		return "Daemon Thread launched\nYou can check its status with the 'status' option\n"
	}

	err := d.monitor.Stop()
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
		return "Monitor thread is not running\n"
	case err != nil:
		return "Error stopping Daemon Thread! " + describe(err) + "\n"
	}
	return "Daemon thread stopped\n"
}

func (d *Daemon) handleCurveRetrieve(ctx context.Context, c *CurveRetrieveCommand) string {
	curve, err := d.session.CurveRetrieve(ctx, c.CurveID, c.SaveFile == "")
	if err != nil {
		return errorReply(err)
	}

	reply := curveSummary(curve)
	if c.SaveFile == "" {
		return reply
	}
	if err := curve.WriteFile(c.SaveFile); err != nil {
		return reply + errorReply(err)
	}
	return reply + dataFileLine(c.SaveFile, len(curve.Points))
}

func (d *Daemon) handleCurveLoad(ctx context.Context, c *CurveLoadCommand) string {
	curve, err := lakeshore.ReadCurveFile(c.File)
	if err != nil {
		return errorReply(err)
	}
	stored, err := d.session.CurveLoad(ctx, curve)
	if err != nil {
		return errorReply(err)
	}
	return curveSummary(stored) + dataFileLine(c.File, len(curve.Points))
}

// handleHeaterControl applies the requested setpoint and range, keeping
// the cached value of whichever was not given.
func (d *Daemon) handleHeaterControl(ctx context.Context, c *HeaterControlCommand) string {
	current, err := d.session.HeaterState(c.HeaterID)
	if err != nil {
		return errorReply(err)
	}

	setpoint, rng := current.Setpoint, current.Range
	if c.Setpoint != nil {
		setpoint = *c.Setpoint
	}
	if c.Range != nil {
		rng = *c.Range
	}

	if err := d.session.ApplySetpoint(ctx, c.HeaterID, setpoint, rng); err != nil {
		return errorReply(err)
	}
	return fmt.Sprintf("Heater %d configured to setpoint %s K with power range %s\n", c.HeaterID, number(setpoint), rng)
}
