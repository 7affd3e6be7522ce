package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/database"
	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
	"github.com/nerrad567/lakeshore336d/internal/telemetry"
)

// Loop policy defaults.
const (
	// DefaultRetryInterval is the pause between two recovery attempts.
	DefaultRetryInterval = 2 * time.Second

	// DefaultRetries is the number of recovery attempts after a failed tick.
	DefaultRetries = 5

	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = 5 * time.Second

	// terminalTimeFormat prefixes every terminal line.
	terminalTimeFormat = "2006-01-02 15:04:05"
)

// Device is the part of *lakeshore.Session the monitor drives.
type Device interface {
	Config() *lakeshore.Config
	Sample(ctx context.Context, fn func(lakeshore.Readout) error) error
	Reconnect(ctx context.Context) error
}

// EventPublisher announces loop lifecycle changes (started, stopped, failed).
type EventPublisher interface {
	PublishEvent(kind, message string) error
}

// Logger is the logging interface used by the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Storage selects where ticks are persisted.
type Storage struct {
	DB     *database.DB
	Table  string
	Bucket time.Duration
}

// Options are latched by Start for the duration of one run.
type Options struct {
	// Terminal prints one line per tick.
	Terminal bool

	// Storage enables the database writer when non-nil.
	Storage *Storage
}

// Status describes the monitor for reporting.
type Status struct {
	Running  bool
	Options  Options
	Started  time.Time
	Ticks    uint64
	LastTick time.Time
	LastErr  error
	Table    string
	Columns  []string
}

// Monitor samples the instrument once per wall-clock second.
//
// One goroutine runs the loop between Start and Stop. Each tick reads the
// device, builds a row from the schema frozen at Start, persists it when
// storage is enabled, hands the readout to every sink and optionally prints
// a terminal line. A failed tick triggers the recovery policy: up to five
// reconnect attempts two seconds apart, after which the loop ends with
// ErrReconnectFailed and is not restarted.
type Monitor struct {
	device Device

	hooksMu sync.RWMutex
	logger  Logger
	out     io.Writer
	events  EventPublisher
	sinks   []telemetry.Sink

	retryInterval time.Duration
	retries       uint64
	stopTimeout   time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	opts    Options
	writer  *telemetry.Writer
	started time.Time
	ticks   uint64
	last    time.Time
	lastErr error
}

// New creates a stopped monitor for device.
func New(device Device) *Monitor {
	return &Monitor{
		device:        device,
		logger:        noopLogger{},
		out:           os.Stdout,
		retryInterval: DefaultRetryInterval,
		retries:       DefaultRetries,
		stopTimeout:   DefaultStopTimeout,
	}
}

// SetLogger sets the logger.
func (m *Monitor) SetLogger(logger Logger) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.logger = logger
}

func (m *Monitor) log() Logger {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	return m.logger
}

// SetTerminal redirects terminal lines, os.Stdout by default.
func (m *Monitor) SetTerminal(w io.Writer) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.out = w
}

// SetEvents sets the lifecycle event publisher.
func (m *Monitor) SetEvents(events EventPublisher) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.events = events
}

// AddSink registers a sink for every subsequent tick.
func (m *Monitor) AddSink(s telemetry.Sink) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Start launches the sampling loop with opts.
//
// With storage enabled the schema is derived from the current instrument
// configuration and the table, columns and aggregate view are provisioned
// before the loop starts; a provisioning failure leaves the monitor stopped.
func (m *Monitor) Start(ctx context.Context, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	var writer *telemetry.Writer
	if opts.Storage != nil {
		st := opts.Storage
		writer = telemetry.NewWriter(st.DB, st.Table, st.Bucket, telemetry.NewSchema(m.device.Config()))
		if err := writer.Prepare(ctx); err != nil {
			return fmt.Errorf("preparing storage: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.opts = opts
	m.writer = writer
	m.started = time.Now()
	m.ticks = 0
	m.last = time.Time{}
	m.lastErr = nil

	go m.run(loopCtx, m.done, writer)

	m.log().Info("monitor started", "terminal", opts.Terminal, "database", writer != nil)
	m.publishEvent("started", "monitor started")
	return nil
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// A tick in flight completes first.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		m.log().Info("monitor stopped")
		return nil
	case <-timer.C:
		return ErrNotStopped
	}
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Options returns the options latched by the last Start.
func (m *Monitor) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// LastErr returns the error that ended the last run, nil after a clean stop.
func (m *Monitor) LastErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Status returns a snapshot for reporting.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Running:  m.running,
		Options:  m.opts,
		Started:  m.started,
		Ticks:    m.ticks,
		LastTick: m.last,
		LastErr:  m.lastErr,
	}
	if m.writer != nil {
		st.Table = m.writer.Table()
		st.Columns = m.writer.Schema().Names()
	}
	return st
}

func (m *Monitor) run(ctx context.Context, done chan struct{}, writer *telemetry.Writer) {
	var runErr error
	defer func() {
		m.mu.Lock()
		m.running = false
		m.lastErr = runErr
		m.mu.Unlock()
		close(done)
	}()

	var schema telemetry.Schema
	if writer != nil {
		schema = writer.Schema()
	}

	next := nextSecond(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.publishEvent("stopped", "monitor stopped")
			return
		case <-timer.C:
		}

		ts := next
		// A started tick runs to completion so Stop never interrupts a
		// device exchange halfway.
		if err := m.tick(context.WithoutCancel(ctx), ts, writer, schema); err != nil {
			if ctx.Err() != nil {
				m.publishEvent("stopped", "monitor stopped")
				return
			}
			m.log().Warn("tick failed, reconnecting", "error", err)
			if err := m.recover(ctx, writer); err != nil {
				if ctx.Err() != nil {
					m.publishEvent("stopped", "monitor stopped")
					return
				}
				runErr = err
				m.log().Error("monitor terminated", "error", err)
				m.publishEvent("failed", err.Error())
				return
			}
		}

		next = nextSecond(time.Now())
		if !next.After(ts) {
			next = ts.Add(time.Second)
		}
		timer.Reset(time.Until(next))
	}
}

func (m *Monitor) tick(ctx context.Context, ts time.Time, writer *telemetry.Writer, schema telemetry.Schema) error {
	var (
		r         lakeshore.Readout
		retrieved bool
	)
	// Row, insert and terminal line happen while the session is held.
	err := m.device.Sample(ctx, func(got lakeshore.Readout) error {
		r, retrieved = got, true

		if writer != nil {
			if err := writer.Write(ctx, schema.Row(ts, r)); err != nil {
				return err
			}
		}

		m.mu.Lock()
		m.ticks++
		m.last = ts
		terminal := m.opts.Terminal
		m.mu.Unlock()

		if terminal {
			fmt.Fprintf(m.out, "%s %s\n", ts.Format(terminalTimeFormat), telemetry.FormatLine(r)) //nolint:errcheck // terminal output is best effort
		}
		return nil
	})
	if err != nil {
		if !retrieved {
			return fmt.Errorf("retrieving sample: %w", err)
		}
		return err
	}

	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	for _, s := range m.sinks {
		if err := s.Publish(ts, r); err != nil {
			m.logger.Debug("sink publish failed", "error", err)
		}
	}
	return nil
}

// recover reconnects the device, and pings the database when storage is
// enabled, until it succeeds or the attempts run out.
func (m *Monitor) recover(ctx context.Context, writer *telemetry.Writer) error {
	logger := m.log()
	attempt := 0
	op := func() error {
		attempt++
		logger.Info("reconnecting", "attempt", attempt)
		if err := m.device.Reconnect(ctx); err != nil {
			logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			return err
		}
		if writer != nil {
			if err := m.storageHealth(ctx); err != nil {
				logger.Warn("database unavailable", "attempt", attempt, "error", err)
				return err
			}
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryInterval), m.retries-1)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, attempt, err)
	}
	logger.Info("reconnected", "attempts", attempt)
	return nil
}

func (m *Monitor) storageHealth(ctx context.Context) error {
	m.mu.Lock()
	st := m.opts.Storage
	m.mu.Unlock()
	if st == nil || st.DB == nil {
		return nil
	}
	return st.DB.HealthCheck(ctx)
}

func (m *Monitor) publishEvent(kind, message string) {
	m.hooksMu.RLock()
	events, logger := m.events, m.logger
	m.hooksMu.RUnlock()
	if events == nil {
		return
	}
	if err := events.PublishEvent(kind, message); err != nil {
		logger.Debug("event publish failed", "kind", kind, "error", err)
	}
}

// nextSecond returns the first whole wall-clock second after t.
func nextSecond(t time.Time) time.Time {
	return t.Truncate(time.Second).Add(time.Second)
}
