package lakeshore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Curve file layout: six header lines in fixed order, a "Data points:"
// marker, then one "units kelvin" pair per line.
const (
	curveIDPrefix     = "Curve ID: "
	curveNamePrefix   = "Curve Name: "
	curveSerialPrefix = "Serial Number: "
	curveFormatPrefix = "Format: "
	curveLimitPrefix  = "Limit Value: "
	curveLimitSuffix  = " K"
	curveCoeffPrefix  = "Coefficient: "
	curvePointsMarker = "Data points:"
)

// Encode writes c in curve file format.
func (c *Curve) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s%d\n", curveIDPrefix, c.ID)
	fmt.Fprintf(bw, "%s%s\n", curveNamePrefix, c.Name)
	fmt.Fprintf(bw, "%s%s\n", curveSerialPrefix, c.SerialNumber)
	fmt.Fprintf(bw, "%s%s\n", curveFormatPrefix, c.Format)
	fmt.Fprintf(bw, "%s%s%s\n", curveLimitPrefix, sourceNumber(c.limitText, c.LimitValue), curveLimitSuffix)
	fmt.Fprintf(bw, "%s%s\n", curveCoeffPrefix, c.Coefficient)
	fmt.Fprintf(bw, "%s\n", curvePointsMarker)
	for _, p := range c.Points {
		fmt.Fprintf(bw, "%10s %s\n", sourceNumber(p.unitsText, p.Units), sourceNumber(p.kelvinText, p.Kelvin))
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing curve %d: %w", c.ID, err)
	}
	return nil
}

// WriteFile saves c to path, replacing any existing file.
func (c *Curve) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating curve file: %w", err)
	}
	if err := c.Encode(f); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing curve file: %w", err)
	}
	return nil
}

// curveNumber formats v with at least one decimal, so whole numbers keep
// their ".0" across a save and load.
func curveNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// sourceNumber returns text when it still parses to v, else curveNumber(v).
func sourceNumber(text string, v float64) string {
	if text != "" {
		if parsed, err := strconv.ParseFloat(text, 64); err == nil && parsed == v {
			return text
		}
	}
	return curveNumber(v)
}

// DecodeCurve parses a curve file. The header lines must appear exactly as
// Encode writes them, apart from trailing whitespace; the limit may carry
// a leading "+". A file ending after the coefficient line is a header-only
// curve. Blank lines in the point section are skipped. Number tokens are
// kept so Encode reproduces them. Errors wrap ErrInvalidArgument.
func DecodeCurve(r io.Reader) (*Curve, error) {
	sc := bufio.NewScanner(r)
	lineNo := 0

	next := func(prefix string) (string, error) {
		lineNo++
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", fmt.Errorf("reading curve file: %w", err)
			}
			return "", fmt.Errorf("%w: curve file line %d: missing %q", ErrInvalidArgument, lineNo, strings.TrimSpace(prefix))
		}
		line := strings.TrimRight(sc.Text(), " \t\r")
		value, ok := strings.CutPrefix(line, strings.TrimSpace(prefix))
		if !ok {
			return "", fmt.Errorf("%w: curve file line %d: %q does not start with %q",
				ErrInvalidArgument, lineNo, line, strings.TrimSpace(prefix))
		}
		return strings.TrimLeft(value, " "), nil
	}

	var (
		c   Curve
		err error
	)

	value, err := next(curveIDPrefix)
	if err != nil {
		return nil, err
	}
	if c.ID, err = strconv.Atoi(value); err != nil {
		return nil, fmt.Errorf("%w: curve file line %d: curve id %q", ErrInvalidArgument, lineNo, value)
	}

	if c.Name, err = next(curveNamePrefix); err != nil {
		return nil, err
	}
	if c.SerialNumber, err = next(curveSerialPrefix); err != nil {
		return nil, err
	}

	if value, err = next(curveFormatPrefix); err != nil {
		return nil, err
	}
	if c.Format, err = ParseCurveFormat(value); err != nil {
		return nil, fmt.Errorf("curve file line %d: %w", lineNo, err)
	}

	if value, err = next(curveLimitPrefix); err != nil {
		return nil, err
	}
	number, ok := strings.CutSuffix(value, curveLimitSuffix)
	if !ok {
		return nil, fmt.Errorf("%w: curve file line %d: limit %q must end in %q", ErrInvalidArgument, lineNo, value, "K")
	}
	if c.LimitValue, err = strconv.ParseFloat(number, 64); err != nil {
		return nil, fmt.Errorf("%w: curve file line %d: limit %q", ErrInvalidArgument, lineNo, number)
	}
	c.limitText = number

	if value, err = next(curveCoeffPrefix); err != nil {
		return nil, err
	}
	if c.Coefficient, err = ParseCoefficient(value); err != nil {
		return nil, fmt.Errorf("curve file line %d: %w", lineNo, err)
	}

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading curve file: %w", err)
		}
		return &c, nil
	}
	lineNo++
	line := strings.TrimRight(sc.Text(), " \t\r")
	value, ok = strings.CutPrefix(line, curvePointsMarker)
	if !ok {
		return nil, fmt.Errorf("%w: curve file line %d: %q does not start with %q",
			ErrInvalidArgument, lineNo, line, curvePointsMarker)
	}
	if value = strings.TrimSpace(value); value != "" {
		return nil, fmt.Errorf("%w: curve file line %d: unexpected %q after %q", ErrInvalidArgument, lineNo, value, curvePointsMarker)
	}

	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: curve file line %d: want two numbers, got %q", ErrInvalidArgument, lineNo, sc.Text())
		}
		units, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: curve file line %d: %q", ErrInvalidArgument, lineNo, fields[0])
		}
		kelvin, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: curve file line %d: %q", ErrInvalidArgument, lineNo, fields[1])
		}
		c.Points = append(c.Points, CurvePoint{
			Units:      units,
			Kelvin:     kelvin,
			unitsText:  fields[0],
			kelvinText: fields[1],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading curve file: %w", err)
	}

	return &c, nil
}

// ReadCurveFile opens and parses the curve file at path.
func ReadCurveFile(path string) (*Curve, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening curve file: %w", ErrInvalidArgument, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	c, err := DecodeCurve(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
