package lakeshore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// User curve limits of the Model 336.
const (
	MinUserCurveID  = 21
	MaxUserCurveID  = 59
	MaxCurvePoints  = 200
	maxCurveNameLen = 15
	maxCurveSNLen   = 10

	// limitTolerance is the accepted header limit difference after upload.
	limitTolerance = 0.001
)

// Curve is a sensor calibration curve stored on the controller.
type Curve struct {
	ID           int
	Name         string
	SerialNumber string
	Format       CurveFormat
	LimitValue   float64
	Coefficient  Coefficient
	Points       []CurvePoint

	// limitText is the limit as read from a file or the device, re-emitted
	// by Encode while it still matches LimitValue.
	limitText string
}

// CurvePoint is one breakpoint: a sensor-unit value and its temperature.
type CurvePoint struct {
	Units  float64
	Kelvin float64

	unitsText, kelvinText string
}

// ValidateCurveID checks that id addresses a user curve.
func ValidateCurveID(id int) error {
	if id < MinUserCurveID || id > MaxUserCurveID {
		return fmt.Errorf("%w: curve id %d outside [%d, %d]", ErrInvalidArgument, id, MinUserCurveID, MaxUserCurveID)
	}
	return nil
}

// Validate checks c against the controller's user-curve limits.
func (c *Curve) Validate() error {
	if err := ValidateCurveID(c.ID); err != nil {
		return err
	}
	if c.Name == "" || len(c.Name) > maxCurveNameLen || strings.ContainsAny(c.Name, ",\r\n") {
		return fmt.Errorf("%w: curve name %q must be 1 to %d characters without commas",
			ErrInvalidArgument, c.Name, maxCurveNameLen)
	}
	if len(c.SerialNumber) > maxCurveSNLen || strings.ContainsAny(c.SerialNumber, ",\r\n") {
		return fmt.Errorf("%w: serial number %q must be at most %d characters without commas",
			ErrInvalidArgument, c.SerialNumber, maxCurveSNLen)
	}
	if _, ok := curveFormatNames[c.Format]; !ok {
		return fmt.Errorf("%w: curve format %d", ErrInvalidArgument, int(c.Format))
	}
	if math.IsNaN(c.LimitValue) || c.LimitValue < 0 {
		return fmt.Errorf("%w: curve limit %g K", ErrInvalidArgument, c.LimitValue)
	}
	if c.Coefficient != CoefficientNegative && c.Coefficient != CoefficientPositive {
		return fmt.Errorf("%w: curve coefficient %d", ErrInvalidArgument, int(c.Coefficient))
	}
	if len(c.Points) > MaxCurvePoints {
		return fmt.Errorf("%w: curve has %d points, at most %d allowed", ErrInvalidArgument, len(c.Points), MaxCurvePoints)
	}
	for i, p := range c.Points {
		if math.IsNaN(p.Units) || math.IsNaN(p.Kelvin) || math.IsInf(p.Units, 0) || math.IsInf(p.Kelvin, 0) {
			return fmt.Errorf("%w: curve point %d is not a number", ErrInvalidArgument, i+1)
		}
	}
	return nil
}

// sameHeader reports whether the header fields of c and other match,
// ignoring case and surrounding padding of the strings.
func (c *Curve) sameHeader(other *Curve) bool {
	return strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(other.Name)) &&
		strings.EqualFold(strings.TrimSpace(c.SerialNumber), strings.TrimSpace(other.SerialNumber)) &&
		c.Format == other.Format &&
		math.Abs(c.LimitValue-other.LimitValue) <= limitTolerance &&
		c.Coefficient == other.Coefficient
}

// CurveRetrieve reads the header of curve id and, unless headerOnly is set,
// its breakpoints up to the first empty slot.
func (s *Session) CurveRetrieve(ctx context.Context, id int, headerOnly bool) (*Curve, error) {
	if err := ValidateCurveID(id); err != nil {
		return nil, err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.logger.Info("retrieving curve", "curve", id, "header_only", headerOnly)
	curve, err := s.curveHeaderLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if headerOnly {
		return curve, nil
	}

	for i := 1; i <= MaxCurvePoints; i++ {
		reply, err := s.queryLocked(ctx, fmt.Sprintf("CRVPT? %d,%d", id, i))
		if err != nil {
			return nil, err
		}
		p, err := parseCurvePoint(reply)
		if err != nil {
			return nil, fmt.Errorf("curve %d point %d: %w", id, i, err)
		}
		if p.Units == 0 && p.Kelvin == 0 {
			break
		}
		curve.Points = append(curve.Points, p)
	}

	s.logger.Debug("curve retrieved", "curve", id, "points", len(curve.Points))
	return curve, nil
}

// CurveLoad uploads c to the controller: the curve slot is cleared, the
// header and every point are written, and the header is read back. The
// returned curve carries the header as stored by the controller.
func (s *Session) CurveLoad(ctx context.Context, c *Curve) (*Curve, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.logger.Info("loading curve", "curve", c.ID, "name", c.Name, "points", len(c.Points))

	if err := s.commandLocked(ctx, fmt.Sprintf("CRVDEL %d", c.ID)); err != nil {
		return nil, err
	}
	header := fmt.Sprintf("CRVHDR %d,%s,%s,%d,%s,%d",
		c.ID, c.Name, c.SerialNumber, int(c.Format), formatFloat(c.LimitValue), int(c.Coefficient))
	if err := s.commandLocked(ctx, header); err != nil {
		return nil, err
	}
	for i, p := range c.Points {
		cmd := fmt.Sprintf("CRVPT %d,%d,%s,%s", c.ID, i+1, formatFloat(p.Units), formatFloat(p.Kelvin))
		if err := s.commandLocked(ctx, cmd); err != nil {
			return nil, err
		}
	}

	stored, err := s.curveHeaderLocked(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !c.sameHeader(stored) {
		return nil, fmt.Errorf("%w: curve %d header reads back %q/%q/%s/%g/%s",
			ErrDeviceProtocol, c.ID, stored.Name, stored.SerialNumber, stored.Format, stored.LimitValue, stored.Coefficient)
	}
	stored.Points = append([]CurvePoint(nil), c.Points...)
	return stored, nil
}

func (s *Session) curveHeaderLocked(ctx context.Context, id int) (*Curve, error) {
	reply, err := s.queryLocked(ctx, fmt.Sprintf("CRVHDR? %d", id))
	if err != nil {
		return nil, err
	}
	curve, err := parseCurveHeader(id, reply)
	if err != nil {
		return nil, err
	}
	return curve, nil
}

// parseCurveHeader parses a CRVHDR? reply: name,serial,format,limit,coefficient.
func parseCurveHeader(id int, reply string) (*Curve, error) {
	fields := strings.Split(reply, ",")
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: curve %d header %q has %d fields, want 5", ErrDeviceProtocol, id, reply, len(fields))
	}

	format, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil || curveFormatNames[CurveFormat(format)] == "" {
		return nil, fmt.Errorf("%w: curve %d format %q", ErrDeviceProtocol, id, fields[2])
	}
	limit, err := parseFloat(fields[3])
	if err != nil {
		return nil, fmt.Errorf("curve %d limit: %w", id, err)
	}
	coeff, err := strconv.Atoi(strings.TrimSpace(fields[4]))
	if err != nil || (Coefficient(coeff) != CoefficientNegative && Coefficient(coeff) != CoefficientPositive) {
		return nil, fmt.Errorf("%w: curve %d coefficient %q", ErrDeviceProtocol, id, fields[4])
	}

	return &Curve{
		ID:           id,
		Name:         strings.TrimSpace(fields[0]),
		SerialNumber: strings.TrimSpace(fields[1]),
		Format:       CurveFormat(format),
		LimitValue:   limit,
		Coefficient:  Coefficient(coeff),
		limitText:    strings.TrimSpace(fields[3]),
	}, nil
}

// parseCurvePoint parses a CRVPT? reply: units,kelvin.
func parseCurvePoint(reply string) (CurvePoint, error) {
	fields := strings.Split(reply, ",")
	if len(fields) != 2 {
		return CurvePoint{}, fmt.Errorf("%w: curve point %q", ErrDeviceProtocol, reply)
	}
	units, err := parseFloat(fields[0])
	if err != nil {
		return CurvePoint{}, err
	}
	kelvin, err := parseFloat(fields[1])
	if err != nil {
		return CurvePoint{}, err
	}
	return CurvePoint{Units: units, Kelvin: kelvin}, nil
}
