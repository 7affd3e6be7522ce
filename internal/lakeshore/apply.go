package lakeshore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// lockCode is the front-panel lock code used for LOCK.
const lockCode = 123

// HTRSET fields that never change.
const (
	maxCurrentUserDefined = 0
	heaterDisplayPower    = 2
)

// ApplyConfig programs the active configuration into the controller.
//
// For each enabled input it sets the label, the curve and the temperature
// limit; for each active heater it sets resistance, maximum current and
// power display. Label and curve are read back, and a mismatch is only
// logged because the controller may round or truncate stored values.
// Finally the heater cache is seeded from SETP?, RANGE? and OUTMODE?; a
// heater whose readback fails keeps its cached state.
//
// The session must be connected.
func (s *Session) ApplyConfig(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.applyConfigLocked(ctx)
}

func (s *Session) applyConfigLocked(ctx context.Context) error {
	if s.link == nil {
		return fmt.Errorf("%w: not connected", ErrDeviceUnavailable)
	}

	cfg := s.cfg
	s.logger.Info("configuring input channels")
	for _, in := range cfg.EnabledInputs() {
		if err := s.commandLocked(ctx, fmt.Sprintf("INNAME %s,%s", in.Channel, in.Label)); err != nil {
			return err
		}
		label, err := s.queryLocked(ctx, "INNAME? "+in.Channel)
		if err != nil {
			return err
		}
		if !strings.EqualFold(strings.TrimSpace(label), in.Label) {
			s.logger.Warn("input label mismatch", "input", in.Channel, "device", label, "configured", in.Label)
		}

		if err := s.commandLocked(ctx, fmt.Sprintf("INCRV %s,%d", in.Channel, in.CurveID)); err != nil {
			return err
		}
		reply, err := s.queryLocked(ctx, "INCRV? "+in.Channel)
		if err != nil {
			return err
		}
		if curve, err := strconv.Atoi(strings.TrimSpace(reply)); err != nil || curve != in.CurveID {
			s.logger.Warn("input curve mismatch", "input", in.Channel, "device", reply, "configured", in.CurveID)
		}

		if err := s.commandLocked(ctx, fmt.Sprintf("TLIMIT %s,%s", in.Channel, formatFloat(in.TempLimit))); err != nil {
			return err
		}
	}

	s.logger.Info("configuring heater outputs")
	for _, h := range cfg.ActiveHeaters() {
		cmd := fmt.Sprintf("HTRSET %d,%d,%d,%s,%d",
			h.ID, h.ResistanceCode(), maxCurrentUserDefined, formatFloat(h.MaxCurrent), heaterDisplayPower)
		if err := s.commandLocked(ctx, cmd); err != nil {
			return err
		}
	}

	for _, h := range cfg.ActiveHeaters() {
		if err := s.seedHeaterLocked(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// seedHeaterLocked reads setpoint, range and mode of h into the cache.
// Only I/O errors are returned.
func (s *Session) seedHeaterLocked(ctx context.Context, h Heater) error {
	id := strconv.Itoa(h.ID)

	spReply, err := s.queryLocked(ctx, "SETP? "+id)
	if err != nil {
		return err
	}
	rngReply, err := s.queryLocked(ctx, "RANGE? "+id)
	if err != nil {
		return err
	}
	modeReply, err := s.queryLocked(ctx, "OUTMODE? "+id)
	if err != nil {
		return err
	}

	sp, err := parseFloat(spReply)
	if err != nil {
		s.logger.Warn("invalid setpoint readback", "heater", h.ID, "reply", spReply)
		return nil
	}
	rng, err := parseRange(rngReply)
	if err != nil {
		s.logger.Warn("invalid range readback", "heater", h.ID, "reply", rngReply)
		return nil
	}
	mode := ModeOff
	if m, err := strconv.Atoi(strings.TrimSpace(strings.Split(modeReply, ",")[0])); err == nil {
		mode = HeaterMode(m)
	} else {
		s.logger.Warn("invalid output mode readback", "heater", h.ID, "reply", modeReply)
	}

	s.stateMu.Lock()
	st := &s.heaters[h.ID-1]
	st.Setpoint = sp
	st.Range = rng
	st.Mode = mode
	st.MaxPower = MaxPower(h.Resistance, h.MaxCurrent, rng)
	s.stateMu.Unlock()

	s.logger.Debug("heater state", "heater", h.ID, "setpoint", sp, "range", rng.String(), "mode", mode.String())
	return nil
}

// LockFrontPanel locks every front-panel key except All Off.
func (s *Session) LockFrontPanel(ctx context.Context) error {
	s.logger.Info("locking front panel")
	return s.Command(ctx, fmt.Sprintf("LOCK 1,%d", lockCode))
}

// UnlockFrontPanel unlocks the front panel.
func (s *Session) UnlockFrontPanel(ctx context.Context) error {
	s.logger.Info("unlocking front panel")
	return s.Command(ctx, fmt.Sprintf("LOCK 0,%d", lockCode))
}

// FrontPanelLocked reports whether the front panel is locked.
func (s *Session) FrontPanelLocked(ctx context.Context) (bool, error) {
	reply, err := s.Query(ctx, "LOCK?")
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(strings.Split(reply, ",")[0]) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: lock state %q", ErrDeviceProtocol, reply)
	}
}

func parseFloat(reply string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q", ErrDeviceProtocol, reply)
	}
	return v, nil
}

func parseRange(reply string) (HeaterRange, error) {
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil || !HeaterRange(n).Valid() {
		return RangeOff, fmt.Errorf("%w: heater range %q", ErrDeviceProtocol, reply)
	}
	return HeaterRange(n), nil
}

// formatFloat renders v the shortest way that parses back to v.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
