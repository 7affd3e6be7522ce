package lakeshore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Defaults and limits of the instrument configuration.
const (
	DefaultPort    = 7777
	DefaultTimeout = time.Second

	MaxTempLimit = 350.0
	MaxCurveID   = 59
	maxLabelLen  = 15
	maxCurrent   = 1.0
)

// labelPattern keeps labels usable as column names and within INNAME's 15 characters.
var labelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,14}$`)

// Config is the instrument configuration. It is never modified after
// LoadConfig returns; reconfiguring replaces the whole value.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration

	Inputs  [NumInputs]Input
	Heaters [NumHeaters]Heater
}

// Input is the configuration of one sensor input.
type Input struct {
	Channel   string
	Label     string
	Enabled   bool
	CurveID   int
	TempLimit float64
}

// Heater is the configuration of one heater output.
type Heater struct {
	ID           int
	Active       bool
	Resistance   float64
	MaxCurrent   float64
	ControlInput string
}

// ResistanceCode is the HTRSET resistance setting: 1 for 25 Ω, 2 for 50 Ω.
func (h Heater) ResistanceCode() int {
	return int(h.Resistance / 25)
}

// Address returns host:port of the controller.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Input returns the configuration of a channel letter.
func (c *Config) Input(channel string) (Input, bool) {
	i := channelIndex(channel)
	if i < 0 {
		return Input{}, false
	}
	return c.Inputs[i], true
}

// Heater returns the configuration of heater id (1 or 2).
func (c *Config) Heater(id int) (Heater, bool) {
	if id < 1 || id > NumHeaters {
		return Heater{}, false
	}
	return c.Heaters[id-1], true
}

// EnabledInputs returns the enabled inputs in channel order.
func (c *Config) EnabledInputs() []Input {
	var out []Input
	for _, in := range c.Inputs {
		if in.Enabled {
			out = append(out, in)
		}
	}
	return out
}

// ActiveHeaters returns the active heaters in id order.
func (c *Config) ActiveHeaters() []Heater {
	var out []Heater
	for _, h := range c.Heaters {
		if h.Active {
			out = append(out, h)
		}
	}
	return out
}

// LoadConfig reads an instrument configuration file.
//
// Files ending in .ini use the sectioned layout
//
//	[Connection] ip_address, port, timeout
//	[Sensor_A] .. [Sensor_D] logging, curve, label, temp_limit
//	[Heater_1] .. [Heater_2] active, resistance, max_current, control_input
//
// and anything else is read as YAML with "connection", "inputs" (keyed by
// channel letter) and "heaters" (keyed by heater number). Missing input or
// heater sections leave that input disabled or heater inactive.
//
// All errors wrap ErrConfig.
func LoadConfig(path string) (*Config, error) {
	var (
		raw fileConfig
		err error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".cfg", ".conf":
		raw, err = readINI(path)
	default:
		raw, err = readYAML(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}

	cfg, err := raw.build()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}
	return cfg, nil
}

// fileConfig is the format-neutral shape both readers produce.
type fileConfig struct {
	Connection fileConnection       `yaml:"connection"`
	Inputs     map[string]fileInput `yaml:"inputs"`
	Heaters    map[int]fileHeater   `yaml:"heaters"`
}

type fileConnection struct {
	Host    string  `yaml:"host"`
	Port    int     `yaml:"port"`
	Timeout float64 `yaml:"timeout"`
}

type fileInput struct {
	Logging   *bool   `yaml:"logging"`
	Label     string  `yaml:"label"`
	Curve     int     `yaml:"curve"`
	TempLimit float64 `yaml:"temp_limit"`
}

type fileHeater struct {
	Active       bool    `yaml:"active"`
	Resistance   float64 `yaml:"resistance"`
	MaxCurrent   float64 `yaml:"max_current"`
	ControlInput string  `yaml:"control_input"`
}

func readYAML(path string) (fileConfig, error) {
	var raw fileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return raw, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return raw, fmt.Errorf("parsing config file: %w", err)
	}
	return raw, nil
}

func readINI(path string) (fileConfig, error) {
	raw := fileConfig{
		Inputs:  map[string]fileInput{},
		Heaters: map[int]fileHeater{},
	}

	file, err := ini.Load(path)
	if err != nil {
		return raw, fmt.Errorf("reading config file: %w", err)
	}

	conn, err := file.GetSection("Connection")
	if err != nil {
		return raw, errors.New("missing [Connection] section")
	}
	raw.Connection.Host = conn.Key("ip_address").String()
	if conn.HasKey("port") {
		if raw.Connection.Port, err = conn.Key("port").Int(); err != nil {
			return raw, fmt.Errorf("[Connection] port: %w", err)
		}
	}
	if conn.HasKey("timeout") {
		if raw.Connection.Timeout, err = conn.Key("timeout").Float64(); err != nil {
			return raw, fmt.Errorf("[Connection] timeout: %w", err)
		}
	}

	for _, ch := range Channels {
		name := "Sensor_" + ch
		sec, err := file.GetSection(name)
		if err != nil {
			continue
		}

		var in fileInput
		if sec.HasKey("logging") {
			logging, err := sec.Key("logging").Bool()
			if err != nil {
				return raw, fmt.Errorf("[%s] logging: %w", name, err)
			}
			in.Logging = &logging
		}
		in.Label = sec.Key("label").String()
		if in.Curve, err = sec.Key("curve").Int(); err != nil {
			return raw, fmt.Errorf("[%s] curve: %w", name, err)
		}
		if in.TempLimit, err = sec.Key("temp_limit").Float64(); err != nil {
			return raw, fmt.Errorf("[%s] temp_limit: %w", name, err)
		}
		raw.Inputs[ch] = in
	}

	for id := 1; id <= NumHeaters; id++ {
		name := "Heater_" + strconv.Itoa(id)
		sec, err := file.GetSection(name)
		if err != nil {
			continue
		}

		var h fileHeater
		if h.Active, err = sec.Key("active").Bool(); err != nil {
			return raw, fmt.Errorf("[%s] active: %w", name, err)
		}
		if h.Resistance, err = sec.Key("resistance").Float64(); err != nil {
			return raw, fmt.Errorf("[%s] resistance: %w", name, err)
		}
		if h.MaxCurrent, err = sec.Key("max_current").Float64(); err != nil {
			return raw, fmt.Errorf("[%s] max_current: %w", name, err)
		}
		h.ControlInput = sec.Key("control_input").String()
		raw.Heaters[id] = h
	}

	return raw, nil
}

// build validates raw and converts it, collecting every problem found.
func (raw fileConfig) build() (*Config, error) {
	var errs []string

	cfg := &Config{
		Host:    strings.TrimSpace(raw.Connection.Host),
		Port:    raw.Connection.Port,
		Timeout: DefaultTimeout,
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if raw.Connection.Timeout != 0 {
		cfg.Timeout = time.Duration(raw.Connection.Timeout * float64(time.Second))
	}

	if cfg.Host == "" {
		errs = append(errs, "connection host is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Sprintf("connection port %d out of range", cfg.Port))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, "connection timeout must be positive")
	}

	for key := range raw.Inputs {
		if channelIndex(key) < 0 {
			errs = append(errs, fmt.Sprintf("unknown input %q (want A-D)", key))
		}
	}
	for id := range raw.Heaters {
		if id < 1 || id > NumHeaters {
			errs = append(errs, fmt.Sprintf("unknown heater %d (want 1 or 2)", id))
		}
	}

	labels := map[string]string{}
	for i, ch := range Channels {
		cfg.Inputs[i] = Input{Channel: ch}

		in, ok := lookupInput(raw.Inputs, ch)
		if !ok {
			continue
		}

		label := strings.TrimSpace(in.Label)
		enabled := label != "" && (in.Logging == nil || *in.Logging)
		cfg.Inputs[i] = Input{
			Channel:   ch,
			Label:     label,
			Enabled:   enabled,
			CurveID:   in.Curve,
			TempLimit: in.TempLimit,
		}

		if in.Curve < 0 || in.Curve > MaxCurveID {
			errs = append(errs, fmt.Sprintf("input %s: curve %d out of range [0, %d]", ch, in.Curve, MaxCurveID))
		}
		if in.TempLimit < 0 || in.TempLimit > MaxTempLimit {
			errs = append(errs, fmt.Sprintf("input %s: temp_limit %g K out of range [0, %g]", ch, in.TempLimit, MaxTempLimit))
		}
		if !enabled {
			continue
		}
		if !labelPattern.MatchString(label) {
			errs = append(errs, fmt.Sprintf("input %s: label %q must start with a letter and use up to %d letters, digits or underscores",
				ch, label, maxLabelLen))
		}
		key := strings.ToLower(label)
		if other, dup := labels[key]; dup {
			errs = append(errs, fmt.Sprintf("input %s: label %q already used by input %s", ch, label, other))
		}
		labels[key] = ch
	}

	for i := range cfg.Heaters {
		id := i + 1
		cfg.Heaters[i] = Heater{ID: id}

		h, ok := raw.Heaters[id]
		if !ok {
			continue
		}

		cfg.Heaters[i] = Heater{
			ID:           id,
			Active:       h.Active,
			Resistance:   h.Resistance,
			MaxCurrent:   h.MaxCurrent,
			ControlInput: strings.ToUpper(strings.TrimSpace(h.ControlInput)),
		}

		if h.Resistance != 25 && h.Resistance != 50 {
			errs = append(errs, fmt.Sprintf("heater %d: resistance %g Ω must be 25 or 50", id, h.Resistance))
		}
		if h.MaxCurrent <= 0 || h.MaxCurrent > maxCurrent {
			errs = append(errs, fmt.Sprintf("heater %d: max_current %g A out of range (0, %g]", id, h.MaxCurrent, maxCurrent))
		}

		ctrl := cfg.Heaters[i].ControlInput
		idx := channelIndex(ctrl)
		switch {
		case idx < 0 && (h.Active || ctrl != ""):
			errs = append(errs, fmt.Sprintf("heater %d: control_input %q must be A-D", id, h.ControlInput))
		case idx >= 0 && h.Active && !cfg.Inputs[idx].Enabled:
			errs = append(errs, fmt.Sprintf("heater %d is controlled by input %s, which is not enabled", id, ctrl))
		}
	}

	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

func lookupInput(inputs map[string]fileInput, ch string) (fileInput, bool) {
	if in, ok := inputs[ch]; ok {
		return in, true
	}
	in, ok := inputs[strings.ToLower(ch)]
	return in, ok
}
