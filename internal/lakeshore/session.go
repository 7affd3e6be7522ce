package lakeshore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// limiterBurst is how many messages may go out back to back before pacing applies.
const limiterBurst = 5

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

// Options tunes a Session.
type Options struct {
	// ConfigPath is re-read by Reconnect. Empty means the configuration
	// passed to NewSession is reused as is.
	ConfigPath string

	// CommandRate is the number of messages per second sent to the device.
	// Default: DefaultCommandRate.
	CommandRate float64

	// Logger receives protocol and lifecycle messages. Default: discard.
	Logger Logger
}

// Session owns the TCP link to one Model 336 and exposes typed operations on it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Device I/O is serialised by ioMu. Composite operations hold it for
//     their whole exchange, so replies are never interleaved.
//   - Cached state (configuration, identity, readings, heater state) is
//     written with both ioMu and stateMu held, and read under stateMu, so
//     Snapshot never waits for a readout in progress.
//
// State Machine:
//   - disconnected → connected when Connect succeeds.
//   - connected → faulted when any I/O on the link fails. Protocol errors
//     (unparseable replies, readback mismatches) keep the session connected.
//   - faulted → connected through Reconnect, or disconnected if that fails.
type Session struct {
	ioMu sync.Mutex
	link *link

	stateMu    sync.RWMutex
	cfg        *Config
	configPath string
	state      State
	identity   Identity
	inputs     [NumInputs]InputReading
	heaters    [NumHeaters]HeaterState
	lastErr    error

	limiter *rate.Limiter
	logger  Logger
}

// NewSession creates a disconnected session for cfg.
func NewSession(cfg *Config, opts Options) *Session {
	r := opts.CommandRate
	if r <= 0 {
		r = DefaultCommandRate
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	s := &Session{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		limiter:    rate.NewLimiter(rate.Limit(r), limiterBurst),
		logger:     logger,
	}
	s.resetLocked()
	return s
}

// Open loads the configuration at path and creates a disconnected session for it.
func Open(path string, opts Options) (*Session, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	opts.ConfigPath = path
	return NewSession(cfg, opts), nil
}

// SetLogger replaces the logger. Not safe to call while operations are running.
func (s *Session) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Config returns the active configuration.
func (s *Session) Config() *Config {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.cfg
}

// ConfigPath returns the file the configuration was loaded from.
func (s *Session) ConfigPath() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.configPath
}

// State returns the connection state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Identity returns the identity recorded at the last successful Connect.
func (s *Session) Identity() Identity {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.identity
}

// Connect opens the link and verifies the controller answers *IDN? with
// manufacturer, model, serial number and firmware. Any existing link is
// closed first. Cached readings and heater state are reset on success.
func (s *Session) Connect(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	s.closeLinkLocked(StateDisconnected, nil)

	cfg := s.cfg
	s.logger.Info("connecting to controller", "address", cfg.Address())

	l, err := dial(ctx, cfg.Address(), cfg.Timeout, s.limiter)
	if err != nil {
		s.setState(StateDisconnected, err)
		return err
	}

	reply, err := l.query(ctx, "*IDN?")
	if err != nil {
		l.close() //nolint:errcheck // Best effort cleanup on error path
		s.setState(StateDisconnected, err)
		return err
	}

	id, err := parseIdentity(reply)
	if err != nil {
		l.close() //nolint:errcheck // Best effort cleanup on error path
		s.setState(StateDisconnected, err)
		return err
	}

	s.link = l
	s.stateMu.Lock()
	s.identity = id
	s.state = StateConnected
	s.lastErr = nil
	s.resetLocked()
	s.stateMu.Unlock()

	s.logger.Info("connected to controller",
		"model", id.Model,
		"serial", id.SerialNumber,
		"firmware", id.Firmware,
	)
	return nil
}

func parseIdentity(reply string) (Identity, error) {
	fields := strings.Split(reply, ",")
	if len(fields) != 4 {
		return Identity{}, fmt.Errorf("%w: identity %q has %d fields, want 4", ErrDeviceProtocol, reply, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return Identity{
		Manufacturer: fields[0],
		Model:        fields[1],
		SerialNumber: fields[2],
		Firmware:     fields[3],
	}, nil
}

// Disconnect closes the link. It is safe to call on a closed session.
func (s *Session) Disconnect() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.link != nil {
		s.logger.Info("disconnecting from controller")
	}
	s.closeLinkLocked(StateDisconnected, nil)
}

// Reconnect disconnects, re-reads the configuration file, connects and
// applies the configuration. On failure the session is left disconnected
// and, if the file could not be loaded, the previous configuration stays.
func (s *Session) Reconnect(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.closeLinkLocked(StateDisconnected, nil)

	if path := s.configPath; path != "" {
		cfg, err := LoadConfig(path)
		if err != nil {
			s.setState(StateDisconnected, err)
			return err
		}
		s.replaceConfigLocked(cfg, path)
	}

	return s.establishLocked(ctx)
}

// Reconfigure loads the configuration at path and, if it is valid, makes it
// the active one and reconnects with it. An invalid file leaves the session
// untouched.
func (s *Session) Reconfigure(ctx context.Context, path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.logger.Info("reconfiguring controller", "config", path)
	s.closeLinkLocked(StateDisconnected, nil)
	s.replaceConfigLocked(cfg, path)

	return s.establishLocked(ctx)
}

// establishLocked connects and applies the configuration.
func (s *Session) establishLocked(ctx context.Context) error {
	if err := s.connectLocked(ctx); err != nil {
		return err
	}
	if err := s.applyConfigLocked(ctx); err != nil {
		s.closeLinkLocked(StateDisconnected, err)
		return err
	}
	return nil
}

func (s *Session) replaceConfigLocked(cfg *Config, path string) {
	s.stateMu.Lock()
	s.cfg = cfg
	s.configPath = path
	s.resetLocked()
	s.stateMu.Unlock()
}

// Query sends text and returns the reply with trailing whitespace stripped.
func (s *Session) Query(ctx context.Context, text string) (string, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.queryLocked(ctx, text)
}

// Command sends text, which has no reply.
func (s *Session) Command(ctx context.Context, text string) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.commandLocked(ctx, text)
}

func (s *Session) queryLocked(ctx context.Context, text string) (string, error) {
	if s.link == nil {
		return "", fmt.Errorf("%w: not connected", ErrDeviceUnavailable)
	}
	s.logger.Debug("query", "message", text)
	reply, err := s.link.query(ctx, text)
	if err != nil {
		s.failLocked(err)
		return "", err
	}
	s.logger.Debug("reply", "message", text, "reply", reply)
	return reply, nil
}

func (s *Session) commandLocked(ctx context.Context, text string) error {
	if s.link == nil {
		return fmt.Errorf("%w: not connected", ErrDeviceUnavailable)
	}
	s.logger.Debug("command", "message", text)
	if err := s.link.write(ctx, text); err != nil {
		s.failLocked(err)
		return err
	}
	return nil
}

// failLocked faults the session on I/O errors. Anything else leaves the
// link usable.
func (s *Session) failLocked(err error) {
	if !errors.Is(err, ErrDeviceUnavailable) {
		return
	}
	s.logger.Warn("controller link failed", "error", err)
	s.closeLinkLocked(StateFaulted, err)
}

func (s *Session) closeLinkLocked(state State, cause error) {
	if s.link != nil {
		s.link.close() //nolint:errcheck // the link is discarded either way
		s.link = nil
	}
	s.setState(state, cause)
}

func (s *Session) setState(state State, cause error) {
	s.stateMu.Lock()
	s.state = state
	if cause != nil {
		s.lastErr = cause
	}
	s.stateMu.Unlock()
}

// resetLocked clears readings and heater state for the active
// configuration. Callers hold stateMu or own s exclusively.
func (s *Session) resetLocked() {
	for i, in := range s.cfg.Inputs {
		s.inputs[i] = InputReading{
			Channel:     in.Channel,
			Label:       in.Label,
			Status:      StatusOK,
			Resistance:  math.NaN(),
			Temperature: math.NaN(),
		}
	}
	for i, h := range s.cfg.Heaters {
		s.heaters[i] = HeaterState{
			ID:            h.ID,
			Mode:          ModeOff,
			Range:         RangeOff,
			OutputPercent: math.NaN(),
			Power:         math.NaN(),
		}
	}
}

// Snapshot is a point-in-time copy of everything a session knows.
type Snapshot struct {
	State      State
	Identity   Identity
	Config     Config
	ConfigPath string
	Inputs     [NumInputs]InputReading
	Heaters    [NumHeaters]HeaterState
	LastError  error
}

// Snapshot returns a copy of the cached session state without touching the device.
func (s *Session) Snapshot() Snapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Snapshot{
		State:      s.state,
		Identity:   s.identity,
		Config:     *s.cfg,
		ConfigPath: s.configPath,
		Inputs:     s.inputs,
		Heaters:    s.heaters,
		LastError:  s.lastErr,
	}
}
