// lakeshore336d - Lakeshore 336 temperature controller daemon
//
// This is the main entry point for the lakeshore336 daemon. It owns the
// connection to one Lakeshore 336 controller and provides:
//   - A line-oriented TCP command port for operators
//   - A once-per-second monitor persisting readings to TimescaleDB or SQLite
//   - Optional MQTT, InfluxDB and WebSocket telemetry sinks
//   - A read-only HTTP status API
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nerrad567/lakeshore336d/internal/api"
	"github.com/nerrad567/lakeshore336d/internal/daemon"
	"github.com/nerrad567/lakeshore336d/internal/infrastructure/config"
	"github.com/nerrad567/lakeshore336d/internal/infrastructure/influxdb"
	"github.com/nerrad567/lakeshore336d/internal/infrastructure/logging"
	"github.com/nerrad567/lakeshore336d/internal/infrastructure/mqtt"
	"github.com/nerrad567/lakeshore336d/internal/monitor"
	"github.com/nerrad567/lakeshore336d/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when neither --config nor LAKESHORE_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// defaultEnvFile is loaded if present.
	defaultEnvFile = ".env"
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath  string
	envFile     string
	showVersion bool

	host         string
	port         int
	pidFile      string
	deviceConfig string

	autostart   bool
	terminal    bool
	useDatabase bool
}

// parseFlags parses the command line. A nil options with a nil error means
// help was printed.
func parseFlags(args []string, out io.Writer) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("lakeshore336d", pflag.ContinueOnError)
	flags.SetOutput(out)

	flags.StringVarP(&opts.configPath, "config", "c", "", "daemon configuration file (default $LAKESHORE_CONFIG or "+defaultConfigPath+")")
	flags.StringVar(&opts.envFile, "env-file", defaultEnvFile, "environment file loaded before the configuration")
	flags.BoolVarP(&opts.showVersion, "version", "v", false, "print version information and exit")

	flags.StringVar(&opts.host, "host", "", "command port bind address")
	flags.IntVarP(&opts.port, "port", "p", 0, "command port")
	flags.StringVar(&opts.pidFile, "pid-file", "", "PID lock file")
	flags.StringVarP(&opts.deviceConfig, "device-config", "d", "", "instrument configuration file (YAML or INI)")

	flags.BoolVar(&opts.autostart, "autostart", false, "start the monitor once the controller is configured")
	flags.BoolVar(&opts.terminal, "terminal", false, "print one line per autostarted monitor tick")
	flags.BoolVar(&opts.useDatabase, "use-database", false, "persist autostarted monitor ticks")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, flags, nil
		}
		return nil, flags, err
	}
	if flags.NArg() > 0 {
		return nil, flags, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}
	return opts, flags, nil
}

// apply overrides cfg with the flags that were given.
func (o *options) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("host") {
		cfg.Daemon.Host = o.host
	}
	if flags.Changed("port") {
		cfg.Daemon.Port = o.port
	}
	if flags.Changed("pid-file") {
		cfg.Daemon.PIDFile = o.pidFile
	}
	if flags.Changed("device-config") {
		cfg.Device.ConfigFile = o.deviceConfig
	}
	if flags.Changed("autostart") {
		cfg.Daemon.Autostart.Enabled = o.autostart
	}
	if flags.Changed("terminal") {
		cfg.Daemon.Autostart.Terminal = o.terminal
	}
	if flags.Changed("use-database") {
		cfg.Daemon.Autostart.UseDatabase = o.useDatabase
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command line without the program name
//   - stdout: Destination of --help and --version output
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdout io.Writer) error { //nolint:gocognit,gocyclo // linear startup sequence
	opts, flags, err := parseFlags(args, stdout)
	if err != nil {
		return err
	}
	if opts == nil {
		return nil
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "lakeshore336d %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting lakeshore336d",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := loadEnvFile(opts.envFile, flags.Changed("env-file")); err != nil {
		return err
	}

	// Load configuration
	configPath := getConfigPath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	opts.apply(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	var (
		sinks  []telemetry.Sink
		events eventFanout
	)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttSink := telemetry.NewMQTTSink(mqttClient)
		sinks = append(sinks, mqttSink)
		events = append(events, mqttSink)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		sinks = append(sinks, telemetry.NewInfluxSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	// The hub exists before the daemon so the monitor can feed it from the first tick.
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log)
		sinks = append(sinks, hub)
		events = append(events, hub)
	}

	if err := healthCheck(ctx, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	d := daemon.New(cfg, version, daemon.Options{
		Logger: log,
		Sinks:  sinks,
		Events: events.publisher(),
	})
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	defer func() {
		log.Info("releasing controller")
		d.Shutdown()
	}()

	// Start the status API (optional)
	if cfg.API.Enabled {
		apiServer, err := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log,
			Status:  d,
			Hub:     hub,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("status API disabled")
	}

	log.Info("initialisation complete, serving commands", "address", d.Addr().String())

	if err := d.Serve(ctx); err != nil {
		return fmt.Errorf("serving commands: %w", err)
	}

	// Deferred Close() calls will run in reverse order:
	// 1. API server (if enabled)
	// 2. Daemon (monitor, controller, database, PID file)
	// 3. InfluxDB (if enabled)
	// 4. MQTT (if enabled)

	log.Info("lakeshore336d stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// The --config flag wins, then LAKESHORE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("LAKESHORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadEnvFile loads KEY=value pairs into the environment without
// overriding variables that are already set. A missing default file is fine.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("loading environment file: %w", err)
}

// healthCheck verifies the optional telemetry connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	// The controller is checked by daemon.Start, which connects and configures it.
	return nil
}

// eventFanout forwards monitor events to every publisher.
type eventFanout []monitor.EventPublisher

// PublishEvent implements monitor.EventPublisher.
func (f eventFanout) PublishEvent(kind, message string) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishEvent(kind, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publisher returns nil when there is nobody to notify.
func (f eventFanout) publisher() monitor.EventPublisher {
	if len(f) == 0 {
		return nil
	}
	return f
}
