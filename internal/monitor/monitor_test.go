package monitor

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/config"
	"github.com/nerrad567/lakeshore336d/internal/infrastructure/database"
	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
	"github.com/nerrad567/lakeshore336d/internal/lakeshore/lakeshoretest"
)

// syncBuffer is a bytes.Buffer safe for the monitor goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimRight(b.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

var errDeviceGone = errors.New("device gone")

type fakeDevice struct {
	mu         sync.Mutex
	cfg        *lakeshore.Config
	failures   int // upcoming failing reads, negative fails forever
	reconnects int
	recErr     error
	block      chan struct{}
	reads      int
	held       bool
}

func newFakeDevice() *fakeDevice {
	cfg := &lakeshore.Config{Host: "127.0.0.1", Port: lakeshore.DefaultPort}
	for i, ch := range lakeshore.Channels {
		cfg.Inputs[i] = lakeshore.Input{Channel: ch}
	}
	cfg.Inputs[0] = lakeshore.Input{Channel: "A", Label: "cold", Enabled: true, CurveID: 21, TempLimit: 300}
	cfg.Heaters[0] = lakeshore.Heater{ID: 1, Active: true, Resistance: 25, MaxCurrent: 1, ControlInput: "A"}
	cfg.Heaters[1] = lakeshore.Heater{ID: 2}
	return &fakeDevice{cfg: cfg}
}

func (d *fakeDevice) Config() *lakeshore.Config { return d.cfg }

func (d *fakeDevice) Sample(ctx context.Context, fn func(lakeshore.Readout) error) error {
	r, err := d.retrieve()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.held = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.held = false
		d.mu.Unlock()
	}()
	return fn(r)
}

func (d *fakeDevice) holding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

func (d *fakeDevice) retrieve() (lakeshore.Readout, error) {
	d.mu.Lock()
	block := d.block
	d.reads++
	fail := d.failures != 0
	if d.failures > 0 {
		d.failures--
	}
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return lakeshore.Readout{}, errDeviceGone
	}
	return lakeshore.Readout{
		Inputs:  []lakeshore.InputReading{{Channel: "A", Label: "cold", Resistance: 100, Temperature: 4.2}},
		Heaters: []lakeshore.HeaterState{{ID: 1, Range: lakeshore.RangeLow, Setpoint: 4.2, MaxPower: 0.25, OutputPercent: 10, Power: 0.025}},
	}, nil
}

func (d *fakeDevice) Reconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnects++
	return d.recErr
}

func (d *fakeDevice) counts() (reads, reconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.reconnects
}

func newTestMonitor(d Device) *Monitor {
	m := New(d)
	m.retryInterval = 10 * time.Millisecond
	m.SetTerminal(&syncBuffer{})
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestNextSecond(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2024, 3, 1, 12, 0, 5, 1, time.UTC), time.Date(2024, 3, 1, 12, 0, 6, 0, time.UTC)},
		{time.Date(2024, 3, 1, 12, 0, 5, 999999999, time.UTC), time.Date(2024, 3, 1, 12, 0, 6, 0, time.UTC)},
		{time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC), time.Date(2024, 3, 1, 12, 0, 6, 0, time.UTC)},
		{time.Date(2024, 3, 1, 23, 59, 59, 5e8, time.UTC), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextSecond(tt.in); !got.Equal(tt.want) {
			t.Errorf("nextSecond(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// Cold start against the fake controller: three terminal lines one second apart.
func TestMonitorTerminalTicks(t *testing.T) {
	srv := lakeshoretest.NewServer(t)
	sess, err := lakeshore.Open(srv.WriteConfig(t), lakeshore.Options{CommandRate: 10000})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(sess.Disconnect)

	out := &syncBuffer{}
	m := New(sess)
	m.SetTerminal(out)
	if err := m.Start(context.Background(), Options{Terminal: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(out.Lines()) >= 3 })
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	lines := out.Lines()[:3]
	var prev time.Time
	for i, line := range lines {
		for _, token := range []string{"sampleA:", "sampleB:", "Heater 1:"} {
			if !strings.Contains(line, token) {
				t.Errorf("line %d = %q, missing %q", i, line, token)
			}
		}
		ts, err := time.ParseInLocation(terminalTimeFormat, line[:len(terminalTimeFormat)], time.Local)
		if err != nil {
			t.Fatalf("line %d timestamp: %v", i, err)
		}
		if i > 0 && ts.Sub(prev) != time.Second {
			t.Errorf("line %d is %v after the previous one, want 1s", i, ts.Sub(prev))
		}
		prev = ts
	}
}

// heldWriter records whether the device was held during each write.
type heldWriter struct {
	d    *fakeDevice
	mu   sync.Mutex
	held []bool
}

func (w *heldWriter) Write(p []byte) (int, error) {
	held := w.d.holding()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = append(w.held, held)
	return len(p), nil
}

func (w *heldWriter) writes() []bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bool(nil), w.held...)
}

func TestMonitorTickHoldsDevice(t *testing.T) {
	d := newFakeDevice()
	out := &heldWriter{d: d}
	m := newTestMonitor(d)
	m.SetTerminal(out)

	if err := m.Start(context.Background(), Options{Terminal: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(out.writes()) >= 2 })
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for i, held := range out.writes() {
		if !held {
			t.Errorf("terminal line %d written after the device was released", i)
		}
	}
}

func TestMonitorStartStop(t *testing.T) {
	m := newTestMonitor(newFakeDevice())
	ctx := context.Background()

	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() before Start error = %v, want ErrNotRunning", err)
	}
	if err := m.Start(ctx, Options{Terminal: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(ctx, Options{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !m.Running() || !m.Options().Terminal {
		t.Errorf("Running() = %v, Options() = %+v, want running with terminal latched", m.Running(), m.Options())
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if m.Running() || m.LastErr() != nil {
		t.Errorf("after Stop: Running() = %v, LastErr() = %v", m.Running(), m.LastErr())
	}
	if !m.Options().Terminal {
		t.Error("Options() lost the latched flags after Stop")
	}
}

func TestMonitorRecovers(t *testing.T) {
	d := newFakeDevice()
	d.failures = 1
	m := newTestMonitor(d)

	if err := m.Start(context.Background(), Options{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 4*time.Second, func() bool { return m.Status().Ticks >= 1 })
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, reconnects := d.counts(); reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", reconnects)
	}
	if m.LastErr() != nil {
		t.Errorf("LastErr() = %v, want nil", m.LastErr())
	}
}

func TestMonitorReconnectFailed(t *testing.T) {
	d := newFakeDevice()
	d.failures = -1
	d.recErr = lakeshore.ErrDeviceUnavailable
	m := newTestMonitor(d)

	if err := m.Start(context.Background(), Options{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 4*time.Second, func() bool { return !m.Running() })

	if err := m.LastErr(); !errors.Is(err, ErrReconnectFailed) || !errors.Is(err, lakeshore.ErrDeviceUnavailable) {
		t.Errorf("LastErr() = %v, want ErrReconnectFailed wrapping the device error", err)
	}
	if _, reconnects := d.counts(); reconnects != DefaultRetries {
		t.Errorf("reconnects = %d, want %d", reconnects, DefaultRetries)
	}
	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() after failure error = %v, want ErrNotRunning", err)
	}
}

// Severing the real device link ends the loop after five attempts.
func TestMonitorDeviceDropOut(t *testing.T) {
	srv := lakeshoretest.NewServer(t)
	sess, err := lakeshore.Open(srv.WriteConfig(t), lakeshore.Options{CommandRate: 10000})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(sess.Disconnect)

	m := newTestMonitor(sess)
	if err := m.Start(context.Background(), Options{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return m.Status().Ticks >= 1 })

	srv.Close()
	waitFor(t, 10*time.Second, func() bool { return !m.Running() })

	if !errors.Is(m.LastErr(), ErrReconnectFailed) {
		t.Errorf("LastErr() = %v, want ErrReconnectFailed", m.LastErr())
	}
	if sess.State() == lakeshore.StateConnected {
		t.Error("session still connected after the device went away")
	}
}

func TestMonitorStopTimeout(t *testing.T) {
	d := newFakeDevice()
	d.block = make(chan struct{})
	m := newTestMonitor(d)
	m.stopTimeout = 50 * time.Millisecond

	if err := m.Start(context.Background(), Options{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { reads, _ := d.counts(); return reads >= 1 })

	if err := m.Stop(); !errors.Is(err, ErrNotStopped) {
		t.Errorf("Stop() error = %v, want ErrNotStopped while a tick is blocked", err)
	}
	close(d.block)
	waitFor(t, 2*time.Second, func() bool { return !m.Running() })
}

type recordingSink struct {
	mu    sync.Mutex
	times []time.Time
}

func (s *recordingSink) Publish(ts time.Time, _ lakeshore.Readout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times = append(s.times, ts)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}

type recordingEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (e *recordingEvents) PublishEvent(kind, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	return nil
}

func TestMonitorSinksAndEvents(t *testing.T) {
	m := newTestMonitor(newFakeDevice())
	sink := &recordingSink{}
	events := &recordingEvents{}
	m.AddSink(sink)
	m.SetEvents(events)

	if err := m.Start(context.Background(), Options{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 4*time.Second, func() bool { return sink.count() >= 2 })
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	sink.mu.Lock()
	for i := 1; i < len(sink.times); i++ {
		if !sink.times[i].After(sink.times[i-1]) {
			t.Errorf("tick %d at %v not after %v", i, sink.times[i], sink.times[i-1])
		}
		if sink.times[i].Nanosecond() != 0 {
			t.Errorf("tick %d at %v not on a whole second", i, sink.times[i])
		}
	}
	sink.mu.Unlock()

	events.mu.Lock()
	defer events.mu.Unlock()
	if strings.Join(events.kinds, ",") != "started,stopped" {
		t.Errorf("events = %v, want started,stopped", events.kinds)
	}
}

func TestMonitorDatabase(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "monitor.db"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	m := newTestMonitor(newFakeDevice())
	opts := Options{Storage: &Storage{DB: db, Table: "bench"}}
	if err := m.Start(context.Background(), opts); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 4*time.Second, func() bool { return m.Status().Ticks >= 2 })
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	st := m.Status()
	want := "cold_temp,cold_res,heater1_power,heater1_setp"
	if st.Table != "bench" || strings.Join(st.Columns, ",") != want {
		t.Errorf("Status() table %q columns %v, want bench %s", st.Table, st.Columns, want)
	}

	var rows uint64
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM "bench"`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != st.Ticks {
		t.Errorf("rows = %d, want one per tick (%d)", rows, st.Ticks)
	}
}

func TestMonitorStartStorageFailure(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "monitor.db"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	db.Close() //nolint:errcheck // closed on purpose

	m := newTestMonitor(newFakeDevice())
	if err := m.Start(context.Background(), Options{Storage: &Storage{DB: db}}); err == nil {
		t.Fatal("Start() with closed database error = nil")
	}
	if m.Running() {
		t.Error("monitor running after failed provisioning")
	}
}
