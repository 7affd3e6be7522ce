package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/config"
	"github.com/nerrad567/lakeshore336d/internal/lakeshore/lakeshoretest"
)

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// writeConfig writes a daemon config for the fake controller and returns
// its path, the command port and the API port.
func writeConfig(t *testing.T, srv *lakeshoretest.Server) (path string, port, apiPort int) {
	t.Helper()

	dir := t.TempDir()
	port, apiPort = freePort(t), freePort(t)
	content := fmt.Sprintf(`
daemon:
  host: 127.0.0.1
  port: %d
  pid_file: %s
  request_timeout: 2

device:
  config_file: %s
  command_rate: 10000
  connect_timeout: 1

database:
  driver: sqlite3
  path: %s
  table: cryosystem
  aggregate_interval: 60

api:
  enabled: true
  host: 127.0.0.1
  port: %d

logging:
  level: error
  format: text
  output: stderr
`, port, filepath.Join(dir, "lakeshore336.pid"), srv.WriteConfig(t), filepath.Join(dir, "telemetry.db"), apiPort)

	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path, port, apiPort
}

// send delivers one command line and returns the whole reply.
func send(t *testing.T, port int, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(reply)
}

// waitForPort blocks until something accepts on port.
func waitForPort(t *testing.T, port int, errc <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errc:
			t.Fatalf("run() returned early: %v", err)
		default:
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("port %d never opened", port)
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out); err != nil {
		t.Fatalf("run(--version) error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "lakeshore336d dev") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &out); err != nil {
		t.Fatalf("run(--help) error: %v", err)
	}
	for _, flag := range []string{"--config", "--device-config", "--autostart", "--env-file"} {
		if !strings.Contains(out.String(), flag) {
			t.Errorf("help output lacks %s:\n%s", flag, out.String())
		}
	}
}

func TestRun_BadFlags(t *testing.T) {
	tests := [][]string{
		{"--bogus"},
		{"--port", "abc"},
		{"extra"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if err := run(context.Background(), args, io.Discard); err == nil {
				t.Errorf("run(%v) should fail", args)
			}
		})
	}
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, []string{"--config", "/nonexistent/path/config.yaml"}, io.Discard)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

func TestRun_FlagOverrideValidated(t *testing.T) {
	srv := lakeshoretest.NewServer(t)
	path, _, _ := writeConfig(t, srv)

	err := run(context.Background(), []string{"--config", path, "--port", "70000"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "daemon.port") {
		t.Errorf("run() error = %v, want daemon.port validation failure", err)
	}
}

func TestRun_MissingExplicitEnvFile(t *testing.T) {
	err := run(context.Background(), []string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "environment file") {
		t.Errorf("run() error = %v, want environment file failure", err)
	}
}

func TestRun_EnvFile(t *testing.T) {
	srv := lakeshoretest.NewServer(t)
	path, _, _ := writeConfig(t, srv)

	// The env file points the daemon at a config that does not exist.
	envFile := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envFile, []byte("LAKESHORE_DEVICE_CONFIG_FILE=/nonexistent/device.yaml\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("LAKESHORE_DEVICE_CONFIG_FILE", "")
	os.Unsetenv("LAKESHORE_DEVICE_CONFIG_FILE")

	err := run(context.Background(), []string{"--config", path, "--env-file", envFile}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "/nonexistent/device.yaml") {
		t.Errorf("run() error = %v, want failure naming the env file's device config", err)
	}
}

func TestRun_ServeAndQuit(t *testing.T) {
	srv := lakeshoretest.NewServer(t)
	path, port, apiPort := writeConfig(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- run(ctx, []string{"--config", path}, io.Discard) }()
	waitForPort(t, port, errc)

	if reply := send(t, port, "status"); !strings.Contains(reply, "sampleA") {
		t.Errorf("status reply lacks sampleA:\n%s", reply)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", apiPort))
	if err != nil {
		t.Fatalf("GET /api/v1/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status API code = %d, want 200", resp.StatusCode)
	}

	if reply := send(t, port, "quit"); reply != "Device is now disconnected, terminating TCP daemon\n" {
		t.Errorf("quit reply = %q", reply)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after quit")
	}
	if srv.Locked() {
		t.Error("front panel still locked after quit")
	}
}

func TestRun_SecondInstance(t *testing.T) {
	srv := lakeshoretest.NewServer(t)
	path, port, _ := writeConfig(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, []string{"--config", path}, io.Discard) }()
	waitForPort(t, port, errc)

	// Same PID file, different ports.
	err := run(context.Background(), []string{"--config", path, "--port", fmt.Sprint(freePort(t))}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "starting daemon") {
		t.Errorf("second run() error = %v, want PID lock failure", err)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("run() error after cancel = %v", err)
	}
}

func TestOptionsApply(t *testing.T) {
	opts, flags, err := parseFlags([]string{
		"--host", "0.0.0.0", "-p", "1600", "--pid-file", "/run/ls.pid",
		"-d", "bench.ini", "--autostart", "--use-database",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error: %v", err)
	}

	cfg := &config.Config{}
	cfg.Daemon.Autostart.Terminal = true
	opts.apply(flags, cfg)

	if cfg.Daemon.Host != "0.0.0.0" || cfg.Daemon.Port != 1600 || cfg.Daemon.PIDFile != "/run/ls.pid" {
		t.Errorf("daemon = %+v", cfg.Daemon)
	}
	if cfg.Device.ConfigFile != "bench.ini" {
		t.Errorf("device config = %q, want bench.ini", cfg.Device.ConfigFile)
	}
	want := config.AutostartConfig{Enabled: true, Terminal: true, UseDatabase: true}
	if cfg.Daemon.Autostart != want {
		t.Errorf("autostart = %+v, want %+v (unset flags keep file values)", cfg.Daemon.Autostart, want)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("LAKESHORE_CONFIG", "")
	if got := getConfigPath(""); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("LAKESHORE_CONFIG", "/etc/ls.yaml")
	if got := getConfigPath(""); got != "/etc/ls.yaml" {
		t.Errorf("getConfigPath() = %q, want env value", got)
	}
	if got := getConfigPath("cli.yaml"); got != "cli.yaml" {
		t.Errorf("getConfigPath(cli.yaml) = %q, want flag value", got)
	}
}

type recordingPublisher struct {
	events []string
	err    error
}

func (r *recordingPublisher) PublishEvent(kind, message string) error {
	r.events = append(r.events, kind+": "+message)
	return r.err
}

func TestEventFanout(t *testing.T) {
	if (eventFanout{}).publisher() != nil {
		t.Error("empty fanout should yield a nil publisher")
	}

	failure := errors.New("broker down")
	a := &recordingPublisher{err: failure}
	b := &recordingPublisher{}
	fan := eventFanout{a, b}

	err := fan.publisher().PublishEvent("monitor.started", "terminal=false")
	if !errors.Is(err, failure) {
		t.Errorf("PublishEvent() error = %v, want %v", err, failure)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("events = %v / %v, want one each", a.events, b.events)
	}
}
