package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// dirPerm is the permission for daemon-managed directories.
const dirPerm = 0o750

// ErrAlreadyRunning is returned when another daemon holds the state lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// LockPath returns the lock file inside stateDir.
func LockPath(stateDir string) string { return filepath.Join(stateDir, "procwatch.lock") }

// PIDPath returns the PID file inside stateDir.
func PIDPath(stateDir string) string { return filepath.Join(stateDir, "procwatch.pid") }

// EnsureDirs creates the state directory and the audit log directory.
// Idempotent.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// stateLock is an exclusive flock on the state directory plus a PID file
// for humans and the CLI.
type stateLock struct {
	lock    *flock.Flock
	pidPath string
}

// acquireLock takes the state lock without blocking.
func acquireLock(stateDir string) (*stateLock, error) {
	fl := flock.New(LockPath(stateDir))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		if pid, err := ReadPID(stateDir); err == nil {
			return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
		}
		return nil, ErrAlreadyRunning
	}
	pidPath := PIDPath(stateDir)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("writing PID file: %w", err)
	}
	return &stateLock{lock: fl, pidPath: pidPath}, nil
}

func (l *stateLock) release() error {
	_ = os.Remove(l.pidPath)
	return l.lock.Unlock()
}

// ReadPID returns the PID recorded by a running daemon.
func ReadPID(stateDir string) (int, error) {
	data, err := os.ReadFile(PIDPath(stateDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID file: %w", err)
	}
	return pid, nil
}

// Running reports whether a daemon holds the lock on stateDir.
func Running(stateDir string) (bool, error) {
	fl := flock.New(LockPath(stateDir))
	locked, err := fl.TryLock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if locked {
		_ = fl.Unlock()
		return false, nil
	}
	return true, nil
}
