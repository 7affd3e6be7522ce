package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// pidFileMode is the permission mode for the PID file.
const pidFileMode = 0o644

// PIDFile is an exclusively locked file holding the daemon's process id.
//
// The lock is an flock(2) on the open file, so it disappears with the
// process and a file left behind by a crash never blocks a new start.
type PIDFile struct {
	path string
	file *os.File
}

// AcquirePIDFile creates or opens path, locks it without blocking and
// writes the current process id. It fails with ErrAlreadyRunning when
// another process holds the lock.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, pidFileMode)
	if err != nil {
		return nil, fmt.Errorf("opening PID file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := readPID(path); pid > 0 {
				return nil, fmt.Errorf("%w (PID %d, file %s)", ErrAlreadyRunning, pid, path)
			}
			return nil, fmt.Errorf("%w (file %s)", ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("locking PID file %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("truncating PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	return &PIDFile{path: path, file: f}, nil
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the PID file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Release removes the file and drops the lock. Safe to call more than once.
func (p *PIDFile) Release() error {
	if p == nil || p.file == nil {
		return nil
	}
	// Remove while still locked so a concurrent start cannot lock the old inode.
	removeErr := os.Remove(p.path)
	closeErr := p.file.Close()
	p.file = nil

	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("removing PID file: %w", removeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing PID file: %w", closeErr)
	}
	return nil
}
