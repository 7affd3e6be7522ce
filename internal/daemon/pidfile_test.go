package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquirePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "lakeshore336.pid")

	pid, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("PID file contains %q, want %d", got, os.Getpid())
	}

	_, err = AcquirePIDFile(path)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second AcquirePIDFile() error = %v, want ErrAlreadyRunning", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("error = %q, want it to name the holding PID", err)
	}

	if err := pid.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("PID file still present after Release(): %v", err)
	}
	if err := pid.Release(); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}

	again, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile() after Release() error = %v", err)
	}
	again.Release() //nolint:errcheck // test cleanup
}

func TestAcquirePIDFileStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lakeshore336.pid")
	if err := os.WriteFile(path, []byte("999999\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	pid, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile() over unlocked file error = %v", err)
	}
	defer pid.Release() //nolint:errcheck // test cleanup

	data, _ := os.ReadFile(path)
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("PID file contains %q, want %d", got, os.Getpid())
	}
}
