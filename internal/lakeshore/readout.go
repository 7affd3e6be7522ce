package lakeshore

import (
	"context"
	"math"
	"strconv"
	"strings"
)

// RetrieveSample reads every enabled input and active heater and updates
// the cached state.
//
// Reading status is queried for all inputs first, then resistances (only
// where status < 64), then temperatures (only where status is ok), then
// heater outputs. A reply that cannot be parsed leaves NaN for that value
// and the readout continues; an I/O failure aborts it and faults the
// session.
func (s *Session) RetrieveSample(ctx context.Context) (Readout, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.retrieveSampleLocked(ctx)
}

// Sample retrieves a readout like RetrieveSample and calls fn with it
// before releasing the session, so no other command reaches the controller
// until fn returns. A retrieval error is returned without calling fn.
func (s *Session) Sample(ctx context.Context, fn func(Readout) error) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	r, err := s.retrieveSampleLocked(ctx)
	if err != nil {
		return err
	}
	return fn(r)
}

func (s *Session) retrieveSampleLocked(ctx context.Context) (Readout, error) {

	cfg := s.cfg
	inputs := cfg.EnabledInputs()
	heaters := cfg.ActiveHeaters()

	readings := make([]InputReading, len(inputs))
	for i, in := range inputs {
		readings[i] = InputReading{
			Channel:     in.Channel,
			Label:       in.Label,
			Status:      StatusOK,
			Resistance:  math.NaN(),
			Temperature: math.NaN(),
		}
	}
	statusKnown := make([]bool, len(inputs))

	for i, in := range inputs {
		reply, err := s.queryLocked(ctx, "RDGST? "+in.Channel)
		if err != nil {
			return Readout{}, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(reply))
		if err != nil {
			s.logger.Warn("invalid reading status", "input", in.Label, "reply", reply)
			continue
		}
		readings[i].Status = DataStatus(n)
		statusKnown[i] = true
	}

	for i, in := range inputs {
		if !statusKnown[i] || !readings[i].Status.ResistanceValid() {
			continue
		}
		reply, err := s.queryLocked(ctx, "SRDG? "+in.Channel)
		if err != nil {
			return Readout{}, err
		}
		if v, err := parseFloat(reply); err == nil {
			readings[i].Resistance = v
		} else {
			s.logger.Warn("invalid resistance reading", "input", in.Label, "reply", reply)
		}
	}

	for i, in := range inputs {
		if !statusKnown[i] || !readings[i].Status.TemperatureValid() {
			continue
		}
		reply, err := s.queryLocked(ctx, "KRDG? "+in.Channel)
		if err != nil {
			return Readout{}, err
		}
		if v, err := parseFloat(reply); err == nil {
			readings[i].Temperature = v
		} else {
			s.logger.Warn("invalid temperature reading", "input", in.Label, "reply", reply)
		}
	}

	outputs := make([]float64, len(heaters))
	for i, h := range heaters {
		outputs[i] = math.NaN()
		reply, err := s.queryLocked(ctx, "HTR? "+strconv.Itoa(h.ID))
		if err != nil {
			return Readout{}, err
		}
		if v, err := parseFloat(reply); err == nil {
			outputs[i] = v
		} else {
			s.logger.Warn("invalid heater output", "heater", h.ID, "reply", reply)
		}
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	for _, r := range readings {
		s.inputs[channelIndex(r.Channel)] = r
	}

	out := Readout{Inputs: readings, Heaters: make([]HeaterState, len(heaters))}
	for i, h := range heaters {
		st := &s.heaters[h.ID-1]
		st.OutputPercent = outputs[i]
		st.Power = outputs[i] * st.MaxPower / 100
		out.Heaters[i] = *st
	}
	return out, nil
}
