package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the lakeshore336 daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Device    DeviceConfig    `yaml:"device"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DaemonConfig contains the operator command surface settings.
type DaemonConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	PIDFile string `yaml:"pid_file"`

	// RequestTimeout bounds how long a client may take to send its command line (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// Autostart launches the monitor as soon as the device is configured.
	Autostart AutostartConfig `yaml:"autostart"`
}

// AutostartConfig contains the monitor flags used when the daemon starts logging on its own.
type AutostartConfig struct {
	Enabled     bool `yaml:"enabled"`
	Terminal    bool `yaml:"terminal"`
	UseDatabase bool `yaml:"use_database"`
}

// DeviceConfig points at the instrument configuration and tunes the link.
type DeviceConfig struct {
	// ConfigFile is the instrument configuration (YAML or INI).
	ConfigFile string `yaml:"config_file"`

	// CommandRate is the maximum number of commands per second sent to the controller.
	CommandRate float64 `yaml:"command_rate"`

	// ConnectTimeout is the total time spent retrying the first connection (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`
}

// DatabaseConfig contains the time-series database settings.
//
// The same structure is read from standalone database files given to
// "logging --use-database PATH", in YAML or INI form.
type DatabaseConfig struct {
	// ConfigFile is the default standalone database file. Empty means use this section.
	ConfigFile string `yaml:"config_file" ini:"-"`

	// Driver is "timescaledb" or "sqlite3".
	Driver   string `yaml:"driver" ini:"driver"`
	Host     string `yaml:"host" ini:"host"`
	Port     int    `yaml:"port" ini:"port"`
	Name     string `yaml:"name" ini:"database"`
	User     string `yaml:"user" ini:"user"`
	Password string `yaml:"password" ini:"password"`
	SSLMode  string `yaml:"sslmode" ini:"sslmode"`

	// Path is the SQLite database file.
	Path string `yaml:"path" ini:"path"`

	Table             string `yaml:"table" ini:"table"`
	AggregateInterval int    `yaml:"aggregate_interval" ini:"aggregate_interval"`
	MaxOpenConns      int    `yaml:"max_open_conns" ini:"max_open_conns"`
	ConnectTimeout    int    `yaml:"connect_timeout" ini:"connect_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	Measurement   string `yaml:"measurement"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the read-only HTTP status server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains live sample stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LAKESHORE_SECTION_KEY
// For example: LAKESHORE_DAEMON_PORT, LAKESHORE_DATABASE_PASSWORD
//
// An empty path skips step 2, so the daemon can run from defaults and environment alone.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:           "localhost",
			Port:           1507,
			PIDFile:        "/tmp/lakeshore336.pid",
			RequestTimeout: 10,
		},
		Device: DeviceConfig{
			ConfigFile:     "/etc/lakeshore336/device.ini",
			CommandRate:    20,
			ConnectTimeout: 10,
		},
		Database: defaultDatabaseConfig(),
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lakeshore336d",
			},
			QoS:         1,
			TopicPrefix: "lakeshore336",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Measurement:   "cryosystem",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8336,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func defaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:            "timescaledb",
		Host:              "localhost",
		Port:              5432,
		Name:              "cryostat",
		User:              "lakeshore",
		SSLMode:           "disable",
		Path:              "./data/lakeshore336.db",
		Table:             "cryosystem",
		AggregateInterval: 60,
		MaxOpenConns:      4,
		ConnectTimeout:    5,
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LAKESHORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Daemon
	if v := os.Getenv("LAKESHORE_DAEMON_HOST"); v != "" {
		cfg.Daemon.Host = v
	}
	if v := os.Getenv("LAKESHORE_DAEMON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.Port = port
		}
	}
	if v := os.Getenv("LAKESHORE_DAEMON_PID_FILE"); v != "" {
		cfg.Daemon.PIDFile = v
	}

	// Device
	if v := os.Getenv("LAKESHORE_DEVICE_CONFIG_FILE"); v != "" {
		cfg.Device.ConfigFile = v
	}

	// Database
	applyDatabaseEnvOverrides(&cfg.Database)

	// MQTT
	if v := os.Getenv("LAKESHORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LAKESHORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LAKESHORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("LAKESHORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

func applyDatabaseEnvOverrides(db *DatabaseConfig) {
	if v := os.Getenv("LAKESHORE_DATABASE_HOST"); v != "" {
		db.Host = v
	}
	if v := os.Getenv("LAKESHORE_DATABASE_USER"); v != "" {
		db.User = v
	}
	if v := os.Getenv("LAKESHORE_DATABASE_PASSWORD"); v != "" {
		db.Password = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		errs = append(errs, "daemon.port must be between 1 and 65535")
	}
	if c.Daemon.PIDFile == "" {
		errs = append(errs, "daemon.pid_file is required")
	}
	if c.Daemon.RequestTimeout <= 0 {
		errs = append(errs, "daemon.request_timeout must be positive")
	}

	if c.Device.ConfigFile == "" {
		errs = append(errs, "device.config_file is required")
	}
	if c.Device.CommandRate <= 0 {
		errs = append(errs, "device.command_rate must be positive")
	}

	if c.Database.ConfigFile == "" {
		for _, e := range c.Database.problems() {
			errs = append(errs, "database."+e)
		}
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Validate checks a database configuration on its own.
func (d *DatabaseConfig) Validate() error {
	if errs := d.problems(); len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d *DatabaseConfig) problems() []string {
	var errs []string

	switch d.Driver {
	case "timescaledb":
		if d.Host == "" {
			errs = append(errs, "host is required for timescaledb")
		}
		if d.Name == "" {
			errs = append(errs, "database name is required for timescaledb")
		}
	case "sqlite3":
		if d.Path == "" {
			errs = append(errs, "path is required for sqlite3")
		}
	default:
		errs = append(errs, fmt.Sprintf("driver %q must be timescaledb or sqlite3", d.Driver))
	}

	if d.Table == "" {
		errs = append(errs, "table is required")
	}
	if d.AggregateInterval <= 0 {
		errs = append(errs, "aggregate_interval must be positive")
	}

	return errs
}

// ReadTimeout returns the read timeout as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout returns the write timeout as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout returns the idle timeout as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

// GetRequestTimeout returns the command read deadline as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Daemon.RequestTimeout) * time.Second
}

// GetConnectTimeout returns the total startup connection time as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Device.ConnectTimeout) * time.Second
}
