package lakeshore

import (
	"context"
	"fmt"
	"math"
)

// setpointTolerance is the largest accepted difference between a written
// setpoint and its readback, in kelvin.
const setpointTolerance = 0.1

// controlledHeater validates that heater id can be driven: it exists, is
// active and is fed back by a configured input. It returns the heater and
// its control input.
func (c *Config) controlledHeater(id int) (Heater, Input, error) {
	h, ok := c.Heater(id)
	if !ok {
		return Heater{}, Input{}, fmt.Errorf("%w: invalid heater id %d", ErrInvalidArgument, id)
	}
	if !h.Active {
		return Heater{}, Input{}, fmt.Errorf("%w: heater %d is not active", ErrInvalidArgument, id)
	}
	in, ok := c.Input(h.ControlInput)
	if !ok || !in.Enabled {
		return Heater{}, Input{}, fmt.Errorf("%w: no valid control input configured for heater %d", ErrInvalidArgument, id)
	}
	return h, in, nil
}

// ApplySetpoint programs setpoint (kelvin) and power range of heater id.
//
// The setpoint must lie in [0, temp limit of the control input]; anything
// else is ErrInvalidArgument and nothing is sent. Setpoint and range are
// each read back: a setpoint off by more than 0.1 K or a different range is
// ErrDeviceProtocol. The cached heater state changes only when both readbacks
// match. On any failure after the first write the previous setpoint, and
// the previous range once it has been written, are sent back.
func (s *Session) ApplySetpoint(ctx context.Context, id int, setpoint float64, rng HeaterRange) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	h, in, err := s.cfg.controlledHeater(id)
	if err != nil {
		return err
	}
	if math.IsNaN(setpoint) || setpoint < 0 {
		return fmt.Errorf("%w: invalid setpoint %g K", ErrInvalidArgument, setpoint)
	}
	if setpoint > in.TempLimit {
		return fmt.Errorf("%w: setpoint %g K beyond temperature limit %g K of input %s",
			ErrInvalidArgument, setpoint, in.TempLimit, in.Channel)
	}
	if !rng.Valid() {
		return fmt.Errorf("%w: invalid heater range %d", ErrInvalidArgument, int(rng))
	}

	s.stateMu.RLock()
	prevSetpoint := s.heaters[id-1].Setpoint
	prevRange := s.heaters[id-1].Range
	s.stateMu.RUnlock()

	if err := s.commandLocked(ctx, fmt.Sprintf("SETP %d,%s", id, formatFloat(setpoint))); err != nil {
		return err
	}
	if err := s.checkSetpointLocked(ctx, id, setpoint); err != nil {
		s.restoreHeaterLocked(ctx, id, prevSetpoint, nil)
		return err
	}

	if err := s.commandLocked(ctx, fmt.Sprintf("RANGE %d,%d", id, int(rng))); err != nil {
		s.restoreHeaterLocked(ctx, id, prevSetpoint, &prevRange)
		return err
	}
	if err := s.checkRangeLocked(ctx, id, rng); err != nil {
		s.restoreHeaterLocked(ctx, id, prevSetpoint, &prevRange)
		return err
	}

	maxPower := MaxPower(h.Resistance, h.MaxCurrent, rng)

	s.stateMu.Lock()
	st := &s.heaters[id-1]
	st.Setpoint = setpoint
	st.Range = rng
	st.MaxPower = maxPower
	st.Power = st.OutputPercent * maxPower / 100
	s.stateMu.Unlock()

	s.logger.Info("heater setpoint applied",
		"heater", id,
		"setpoint", setpoint,
		"range", rng.String(),
		"max_power", maxPower,
	)
	return nil
}

func (s *Session) checkSetpointLocked(ctx context.Context, id int, want float64) error {
	reply, err := s.queryLocked(ctx, fmt.Sprintf("SETP? %d", id))
	if err != nil {
		return err
	}
	got, err := parseFloat(reply)
	if err != nil {
		return err
	}
	if math.Abs(got-want) > setpointTolerance {
		return fmt.Errorf("%w: setpoint of heater %d reads back %g K, want %g K", ErrDeviceProtocol, id, got, want)
	}
	return nil
}

func (s *Session) checkRangeLocked(ctx context.Context, id int, want HeaterRange) error {
	reply, err := s.queryLocked(ctx, fmt.Sprintf("RANGE? %d", id))
	if err != nil {
		return err
	}
	got, err := parseRange(reply)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: range of heater %d reads back %s, want %s", ErrDeviceProtocol, id, got, want)
	}
	return nil
}

// restoreHeaterLocked writes back a previous setpoint and, when rng is
// non-nil, a previous range. Failures are logged only.
func (s *Session) restoreHeaterLocked(ctx context.Context, id int, setpoint float64, rng *HeaterRange) {
	if err := s.commandLocked(ctx, fmt.Sprintf("SETP %d,%s", id, formatFloat(setpoint))); err != nil {
		s.logger.Warn("restoring setpoint failed", "heater", id, "error", err)
	}
	if rng == nil {
		return
	}
	if err := s.commandLocked(ctx, fmt.Sprintf("RANGE %d,%d", id, int(*rng))); err != nil {
		s.logger.Warn("restoring heater range failed", "heater", id, "error", err)
	}
}

// HeaterSetpoint returns the cached setpoint of heater id.
func (s *Session) HeaterSetpoint(id int) (float64, error) {
	st, err := s.heaterState(id)
	if err != nil {
		return 0, err
	}
	return st.Setpoint, nil
}

// HeaterRange returns the cached power range of heater id.
func (s *Session) HeaterRange(id int) (HeaterRange, error) {
	st, err := s.heaterState(id)
	if err != nil {
		return RangeOff, err
	}
	return st.Range, nil
}

// HeaterState returns the cached state of heater id.
func (s *Session) HeaterState(id int) (HeaterState, error) {
	return s.heaterState(id)
}

func (s *Session) heaterState(id int) (HeaterState, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if _, _, err := s.cfg.controlledHeater(id); err != nil {
		return HeaterState{}, err
	}
	return s.heaters[id-1], nil
}
