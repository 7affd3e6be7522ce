package daemon

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/pflag"

	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
)

// Placeholders stored when an option with an optional argument is given
// bare, e.g. "lakeshore --config".
const (
	currentFile = "(current)"
	defaultFile = "(default)"
)

// Command is one parsed request line.
type Command interface {
	Name() string
}

// flagCommand is a command that takes options.
type flagCommand interface {
	Command
	define(fs *pflag.FlagSet)
	// finish validates the parsed options and consumes positional arguments.
	finish(fs *pflag.FlagSet) error
}

// QuitCommand stops the monitor, releases the controller and ends the daemon.
type QuitCommand struct{}

// Name implements Command.
func (QuitCommand) Name() string { return "quit" }

// StatusCommand reports daemon, device, monitor and database state.
type StatusCommand struct{}

// Name implements Command.
func (StatusCommand) Name() string { return "status" }

// HelpCommand lists the commands and their options.
type HelpCommand struct {
	Topic string
}

// Name implements Command.
func (*HelpCommand) Name() string { return "help" }

func (c *HelpCommand) define(*pflag.FlagSet) {}

func (c *HelpCommand) finish(fs *pflag.FlagSet) error {
	switch fs.NArg() {
	case 0:
		return nil
	case 1:
		if _, ok := lookupCommand(fs.Arg(0)); !ok {
			return fmt.Errorf("%w: unknown command %q", lakeshore.ErrInvalidArgument, fs.Arg(0))
		}
		c.Topic = fs.Arg(0)
		return nil
	default:
		return noArgs(fs)
	}
}

// LakeshoreCommand manages the instrument session.
type LakeshoreCommand struct {
	Restart       bool
	Reload        bool
	ConfigPath    string // new configuration file, empty reloads the current one
	DeviceInfo    bool
	SingleReadout bool
}

// Name implements Command.
func (*LakeshoreCommand) Name() string { return "lakeshore" }

func (c *LakeshoreCommand) define(fs *pflag.FlagSet) {
	fs.BoolVarP(&c.Restart, "restart", "r", false, "restart the connection to the controller")
	fs.StringVarP(&c.ConfigPath, "config", "c", "", "reload the instrument configuration, from `path` if given")
	fs.Lookup("config").NoOptDefVal = currentFile
	fs.BoolVarP(&c.DeviceInfo, "device-info", "s", false, "print the sensor and heater configuration")
	fs.BoolVar(&c.SingleReadout, "single-readout", false, "read every enabled input and active heater once")
}

func (c *LakeshoreCommand) finish(fs *pflag.FlagSet) error {
	c.Reload = fs.Changed("config")
	path, err := optionalArg(fs, "config", c.ConfigPath, currentFile)
	if err != nil {
		return err
	}
	c.ConfigPath = path
	return nil
}

// LoggingCommand starts or stops the monitor.
type LoggingCommand struct {
	Start        bool
	Stop         bool
	Terminal     bool
	UseDatabase  bool
	DatabasePath string // empty selects the daemon's database configuration
}

// Name implements Command.
func (*LoggingCommand) Name() string { return "logging" }

func (c *LoggingCommand) define(fs *pflag.FlagSet) {
	fs.BoolVar(&c.Start, "start", false, "start the monitor")
	fs.BoolVar(&c.Stop, "stop", false, "stop the monitor")
	fs.BoolVar(&c.Terminal, "terminal", false, "print one line per sample to the daemon output")
	fs.StringVar(&c.DatabasePath, "use-database", "", "store samples, using the database file at `path` if given")
	fs.Lookup("use-database").NoOptDefVal = defaultFile
}

func (c *LoggingCommand) finish(fs *pflag.FlagSet) error {
	if c.Start == c.Stop {
		return fmt.Errorf("%w: exactly one of --start or --stop is required", lakeshore.ErrInvalidArgument)
	}
	c.UseDatabase = fs.Changed("use-database")
	path, err := optionalArg(fs, "use-database", c.DatabasePath, defaultFile)
	if err != nil {
		return err
	}
	c.DatabasePath = path
	return nil
}

// CurveRetrieveCommand reads a user curve from the controller.
type CurveRetrieveCommand struct {
	CurveID  int
	SaveFile string
}

// Name implements Command.
func (*CurveRetrieveCommand) Name() string { return "curve_retrieve" }

func (c *CurveRetrieveCommand) define(fs *pflag.FlagSet) {
	fs.IntVarP(&c.CurveID, "curve-id", "c", lakeshore.MinUserCurveID, "user curve to read (21-59)")
	fs.StringVarP(&c.SaveFile, "save-file", "f", "", "write the curve with its data points to `path`")
}

func (c *CurveRetrieveCommand) finish(fs *pflag.FlagSet) error {
	return noArgs(fs)
}

// CurveLoadCommand uploads a curve file to the controller.
type CurveLoadCommand struct {
	File string
}

// Name implements Command.
func (*CurveLoadCommand) Name() string { return "curve_load" }

func (c *CurveLoadCommand) define(*pflag.FlagSet) {}

func (c *CurveLoadCommand) finish(fs *pflag.FlagSet) error {
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: curve_load takes exactly one file name", lakeshore.ErrInvalidArgument)
	}
	c.File = fs.Arg(0)
	return nil
}

// HeaterControlCommand programs a heater. Nil fields keep the current value.
type HeaterControlCommand struct {
	HeaterID int
	Setpoint *float64
	Range    *lakeshore.HeaterRange

	setpoint float64
	rng      string
}

// Name implements Command.
func (*HeaterControlCommand) Name() string { return "heater_control" }

func (c *HeaterControlCommand) define(fs *pflag.FlagSet) {
	fs.IntVar(&c.HeaterID, "heater_id", 0, "heater to program, 1 or 2 (required)")
	fs.Float64Var(&c.setpoint, "setpoint", 0, "new setpoint in kelvin")
	fs.StringVar(&c.rng, "range", "", "power range: "+strings.Join(lakeshore.HeaterRangeNames(), ", "))
}

func (c *HeaterControlCommand) finish(fs *pflag.FlagSet) error {
	if err := noArgs(fs); err != nil {
		return err
	}
	if !fs.Changed("heater_id") {
		return fmt.Errorf("%w: --heater_id is required", lakeshore.ErrInvalidArgument)
	}
	if c.HeaterID < 1 || c.HeaterID > lakeshore.NumHeaters {
		return fmt.Errorf("%w: --heater_id must be 1 or 2, got %d", lakeshore.ErrInvalidArgument, c.HeaterID)
	}
	if fs.Changed("setpoint") {
		sp := c.setpoint
		c.Setpoint = &sp
	}
	if fs.Changed("range") {
		r, err := lakeshore.ParseHeaterRange(c.rng)
		if err != nil {
			return err
		}
		c.Range = &r
	}
	return nil
}

// commandSpec describes one entry of the command table.
type commandSpec struct {
	name    string
	args    string
	summary string
	new     func() Command
}

var commandTable = []commandSpec{
	{"status", "", "report daemon, device, monitor and database state", func() Command { return StatusCommand{} }},
	{"lakeshore", "[options]", "manage the instrument session", func() Command { return &LakeshoreCommand{} }},
	{"logging", "--start|--stop [options]", "start or stop the monitor", func() Command { return &LoggingCommand{} }},
	{"curve_retrieve", "[options]", "read a user curve", func() Command { return &CurveRetrieveCommand{} }},
	{"curve_load", "FILE", "upload a user curve from a file", func() Command { return &CurveLoadCommand{} }},
	{"heater_control", "--heater_id N [options]", "program a heater setpoint and range", func() Command { return &HeaterControlCommand{} }},
	{"help", "[COMMAND]", "show this text", func() Command { return &HelpCommand{} }},
	{"quit", "", "stop the daemon", func() Command { return QuitCommand{} }},
}

func lookupCommand(name string) (commandSpec, bool) {
	for _, spec := range commandTable {
		if spec.name == name {
			return spec, true
		}
	}
	return commandSpec{}, false
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	return fs
}

// Parse splits line with shell quoting rules and builds the command it names.
// Every failure wraps lakeshore.ErrInvalidArgument. "CMD --help" parses to
// a HelpCommand for CMD.
func Parse(line string) (Command, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lakeshore.ErrInvalidArgument, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty command", lakeshore.ErrInvalidArgument)
	}

	name, args := words[0], words[1:]
	spec, ok := lookupCommand(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q (try 'help')", lakeshore.ErrInvalidArgument, name)
	}

	cmd := spec.new()
	fs := newFlagSet(name)
	fc, hasFlags := cmd.(flagCommand)
	if hasFlags {
		fc.define(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return &HelpCommand{Topic: name}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", lakeshore.ErrInvalidArgument, name, err)
	}

	if !hasFlags {
		if err := noArgs(fs); err != nil {
			return nil, err
		}
		return cmd, nil
	}
	if err := fc.finish(fs); err != nil {
		return nil, err
	}
	return cmd, nil
}

// optionalArg resolves an option with an optional argument. pflag binds
// such a value only in the "--opt=value" form, so "--opt value" leaves the
// value as the single positional argument.
func optionalArg(fs *pflag.FlagSet, name, value, placeholder string) (string, error) {
	if !fs.Changed(name) {
		return "", noArgs(fs)
	}
	if value != placeholder {
		return value, noArgs(fs)
	}
	switch fs.NArg() {
	case 0:
		return "", nil
	case 1:
		return fs.Arg(0), nil
	default:
		return "", fmt.Errorf("%w: unexpected arguments %q", lakeshore.ErrInvalidArgument, fs.Args()[1:])
	}
}

func noArgs(fs *pflag.FlagSet) error {
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %q", lakeshore.ErrInvalidArgument, fs.Args())
	}
	return nil
}

// Usage renders the help text for topic, or for every command when topic is empty.
func Usage(topic string) string {
	var b strings.Builder
	for _, spec := range commandTable {
		if topic != "" && spec.name != topic {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n    %s\n", spec.name, spec.args, spec.summary)
		if fc, ok := spec.new().(flagCommand); ok {
			fs := newFlagSet(spec.name)
			fc.define(fs)
			b.WriteString(fs.FlagUsages())
		}
	}
	return b.String()
}
