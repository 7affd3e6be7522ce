package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/config"
	"github.com/nerrad567/lakeshore336d/internal/infrastructure/database"
	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
	"github.com/nerrad567/lakeshore336d/internal/monitor"
	"github.com/nerrad567/lakeshore336d/internal/telemetry"
)

// Connection retry policy used while starting up.
const (
	connectInitialInterval = 250 * time.Millisecond
	connectMaxInterval     = 2 * time.Second
	healthCheckTimeout     = 2 * time.Second
)

// daemonDatabase is the dbSource recorded for the "database" section of
// the daemon configuration.
const daemonDatabase = "(daemon config)"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options wires optional collaborators into a Daemon.
type Options struct {
	// Logger receives daemon, session and monitor messages. Default: discard.
	Logger Logger

	// Sinks receive every sample the monitor takes.
	Sinks []telemetry.Sink

	// Events receives monitor lifecycle events.
	Events monitor.EventPublisher
}

// Status is a point-in-time view of the whole daemon.
type Status struct {
	Version    string
	Address    string
	PIDFile    string
	Uptime     time.Duration
	Device     lakeshore.Snapshot
	ReadoutErr error
	Monitor    monitor.Status
	Database   DatabaseStatus
}

// DatabaseStatus describes the time-series database the monitor writes to.
type DatabaseStatus struct {
	Open       bool
	Driver     string
	Target     string
	Table      string
	ConfigFile string
	HealthErr  error
}

// Daemon owns the instrument session, the monitor and the command server.
//
// Thread Safety:
//   - Commands are executed one at a time under dispatchMu, so a reload
//     never races a heater change or a monitor start.
//   - The database handle is guarded by dbMu so Status can be read from
//     other goroutines (the HTTP API) while a command runs.
//
// Lifecycle:
//   - Start acquires the PID file, binds the command port, loads the
//     instrument configuration, connects and autostarts the monitor.
//   - Serve accepts one command per connection until ctx is cancelled or
//     a quit command is executed.
//   - Shutdown releases everything Start acquired. It is idempotent.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  Logger
	sinks   []telemetry.Sink
	events  monitor.EventPublisher

	pid      *PIDFile
	listener net.Listener
	session  *lakeshore.Session
	monitor  *monitor.Monitor
	started  time.Time

	dispatchMu sync.Mutex

	dbMu     sync.Mutex
	db       *database.DB
	dbConfig config.DatabaseConfig
	dbSource string

	quit         chan struct{}
	quitOnce     sync.Once
	shutdownOnce sync.Once
	conns        sync.WaitGroup
}

// New creates a daemon for cfg. Nothing is acquired until Start.
func New(cfg *config.Config, version string, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logger,
		sinks:   opts.Sinks,
		events:  opts.Events,
		quit:    make(chan struct{}),
	}
}

// Start brings the daemon up. Any failure releases what was acquired.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.pid, err = AcquirePIDFile(d.cfg.Daemon.PIDFile)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	addr := net.JoinHostPort(d.cfg.Daemon.Host, strconv.Itoa(d.cfg.Daemon.Port))
	d.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding command port %s: %w", addr, err)
	}
	d.logger.Info("command server listening", "address", d.listener.Addr().String())

	d.session, err = lakeshore.Open(d.cfg.Device.ConfigFile, lakeshore.Options{
		CommandRate: d.cfg.Device.CommandRate,
		Logger:      d.logger,
	})
	if err != nil {
		return fmt.Errorf("loading instrument config: %w", err)
	}

	d.monitor = monitor.New(d.session)
	d.monitor.SetLogger(d.logger)
	if d.events != nil {
		d.monitor.SetEvents(d.events)
	}
	for _, s := range d.sinks {
		d.monitor.AddSink(s)
	}

	if err := d.connect(ctx); err != nil {
		return err
	}
	if err := d.session.LockFrontPanel(ctx); err != nil {
		d.logger.Warn("locking front panel failed", "error", err)
	}
	d.started = time.Now()

	if auto := d.cfg.Daemon.Autostart; auto.Enabled {
		if err := d.startMonitor(ctx, auto.Terminal, auto.UseDatabase, ""); err != nil {
			d.logger.Error("autostart of monitor failed", "error", err)
		} else {
			d.logger.Info("monitor autostarted", "terminal", auto.Terminal, "database", auto.UseDatabase)
		}
	}

	return nil
}

// connect retries Connect and ApplyConfig with exponential backoff until
// the configured connect timeout has elapsed.
func (d *Daemon) connect(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		if err := d.session.Connect(ctx); err != nil {
			d.logger.Warn("connecting to controller failed", "attempt", attempt, "error", err)
			return err
		}
		if err := d.session.ApplyConfig(ctx); err != nil {
			d.logger.Warn("configuring controller failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	timeout := d.cfg.GetConnectTimeout()
	if timeout <= 0 {
		return op()
	}
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     connectInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         connectMaxInterval,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock,
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("connecting to controller at %s: %w", d.session.Config().Address(), err)
	}

	id := d.session.Identity()
	d.logger.Info("controller connected", "identity", id.String(), "attempts", attempt)
	return nil
}

// Addr returns the command server address. Nil before Start.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Session returns the instrument session. Nil before Start.
func (d *Daemon) Session() *lakeshore.Session {
	return d.session
}

// Monitor returns the monitor. Nil before Start.
func (d *Daemon) Monitor() *monitor.Monitor {
	return d.monitor
}

// Done is closed once a quit command has been executed.
func (d *Daemon) Done() <-chan struct{} {
	return d.quit
}

// Status returns the current daemon state from cached values only.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Version: d.version,
		PIDFile: d.cfg.Daemon.PIDFile,
	}
	if !d.started.IsZero() {
		st.Uptime = time.Since(d.started)
	}
	if addr := d.Addr(); addr != nil {
		st.Address = addr.String()
	}
	if d.session != nil {
		st.Device = d.session.Snapshot()
	}
	if d.monitor != nil {
		st.Monitor = d.monitor.Status()
	}
	st.Database = d.databaseStatus(ctx)
	return st
}

func (d *Daemon) databaseStatus(ctx context.Context) DatabaseStatus {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()

	if d.db == nil {
		return DatabaseStatus{}
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return DatabaseStatus{
		Open:       true,
		Driver:     d.db.Dialect().Name(),
		Target:     d.db.Target(),
		Table:      d.dbConfig.Table,
		ConfigFile: d.dbConfig.ConfigFile,
		HealthErr:  d.db.HealthCheck(ctx),
	}
}

// startMonitor starts the monitor, opening the database first when asked.
// An empty dbPath selects the daemon's own database configuration.
func (d *Daemon) startMonitor(ctx context.Context, terminal, useDatabase bool, dbPath string) error {
	if d.monitor.Running() {
		return monitor.ErrAlreadyRunning
	}
	opts := monitor.Options{Terminal: terminal}
	if useDatabase {
		st, err := d.storage(dbPath)
		if err != nil {
			return err
		}
		opts.Storage = st
	}
	return d.monitor.Start(ctx, opts)
}

// storage returns the monitor storage for the database at path, reusing
// the open connection when the source is unchanged. Must not be called
// while the monitor is running.
func (d *Daemon) storage(path string) (*monitor.Storage, error) {
	if path == "" {
		path = d.cfg.Database.ConfigFile
	}
	source := path
	if source == "" {
		source = daemonDatabase
	}

	d.dbMu.Lock()
	defer d.dbMu.Unlock()

	if d.db == nil || d.dbSource != source {
		dbCfg := d.cfg.Database
		if path != "" {
			var err error
			dbCfg, err = config.LoadDatabase(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", lakeshore.ErrConfig, path, err)
			}
		}

		db, err := database.Open(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", telemetry.ErrDatabase, err)
		}
		if d.db != nil {
			if closeErr := d.db.Close(); closeErr != nil {
				d.logger.Warn("closing previous database failed", "error", closeErr)
			}
		}
		d.db, d.dbConfig, d.dbSource = db, dbCfg, source
		d.logger.Info("database opened", "driver", db.Dialect().Name(), "target", db.Target(), "source", source)
	}

	bucket := time.Duration(d.dbConfig.AggregateInterval) * time.Second
	return &monitor.Storage{DB: d.db, Table: d.dbConfig.Table, Bucket: bucket}, nil
}

// stopMonitorQuietly stops the monitor if it is running.
func (d *Daemon) stopMonitorQuietly() error {
	if err := d.monitor.Stop(); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		return err
	}
	return nil
}

// releaseDevice stops the monitor, unlocks the front panel and closes the
// link. Both steps are attempted whatever the first one returns.
func (d *Daemon) releaseDevice(ctx context.Context) (monitorErr, deviceErr error) {
	if d.monitor != nil {
		monitorErr = d.stopMonitorQuietly()
	}
	if d.session == nil {
		return monitorErr, nil
	}
	if d.session.State() == lakeshore.StateConnected {
		deviceErr = d.session.UnlockFrontPanel(ctx)
	}
	d.session.Disconnect()
	return monitorErr, deviceErr
}

// requestQuit makes Serve return.
func (d *Daemon) requestQuit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// Shutdown releases the controller, the database, the command port and
// the PID file. Safe to call more than once and after a failed Start.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.requestQuit()

		d.dispatchMu.Lock()
		defer d.dispatchMu.Unlock()

		monitorErr, deviceErr := d.releaseDevice(context.Background())
		if monitorErr != nil {
			d.logger.Error("stopping monitor failed", "error", monitorErr)
		}
		if deviceErr != nil {
			d.logger.Warn("releasing controller failed", "error", deviceErr)
		}
		d.release()
		d.logger.Info("daemon stopped")
	})
}

// release closes the database, the listener and the PID file.
func (d *Daemon) release() {
	d.dbMu.Lock()
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Error("closing database failed", "error", err)
		}
		d.db = nil
	}
	d.dbMu.Unlock()

	if d.listener != nil {
		if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			d.logger.Warn("closing command port failed", "error", err)
		}
	}
	if d.pid != nil {
		if err := d.pid.Release(); err != nil {
			d.logger.Warn("removing PID file failed", "error", err)
		}
	}
}
