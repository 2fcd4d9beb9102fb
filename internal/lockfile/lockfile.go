// Package lockfile keeps two HelpdeskPipe processes from sharing one state
// directory. The lock is an flock on a file inside the directory, so the
// kernel drops it when the holder exits, cleanly or not.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileName is the lock file created in the state directory.
const FileName = "helpdeskpipe.lock"

// Holder describes the process that owns the lock.
type Holder struct {
	PID       int       `json:"pid"`
	Gateway   string    `json:"gateway,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on stateDir, creating the directory if needed.
// When another process holds it, the returned error is a *HeldError.
func Acquire(stateDir, gateway string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, FileName)

	// Not O_TRUNC: the current holder's details must survive a failed attempt.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		held := &HeldError{Path: path, Cause: err}
		held.Holder, held.Stale = readHolder(path)
		slog.Error("State directory is locked by another process", "lock_path", path, "holder_pid", held.Holder.PID)
		return nil, held
	}

	holder := Holder{PID: os.Getpid(), Gateway: gateway, StartedAt: time.Now().UTC()}
	if err := writeHolder(file, holder); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", path, "pid", holder.PID)
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil
	slog.Debug("Released state directory lock", "lock_path", l.path)
	return errors.Join(errs...)
}

// HeldError reports that another process owns the state directory.
type HeldError struct {
	Path   string
	Holder Holder
	// Stale is set when the recorded PID no longer runs.
	Stale bool
	Cause error
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("state directory is in use by another HelpdeskPipe process (lock file %s", e.Path)
	if e.Holder.PID > 0 {
		msg += fmt.Sprintf(", pid %d", e.Holder.PID)
		if !e.Holder.StartedAt.IsZero() {
			msg += ", started " + e.Holder.StartedAt.Format(time.RFC3339)
		}
		if e.Stale {
			msg += ", not running"
		}
	}
	return msg + ")"
}

func (e *HeldError) Unwrap() error { return e.Cause }

func writeHolder(file *os.File, holder Holder) error {
	data, err := json.Marshal(holder)
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(append(data, '\n'), 0); err != nil {
		return err
	}
	return file.Sync()
}

// readHolder returns the recorded holder and whether its process is gone.
func readHolder(path string) (Holder, bool) {
	var holder Holder
	data, err := os.ReadFile(path)
	if err != nil || json.Unmarshal(data, &holder) != nil || holder.PID <= 0 {
		return Holder{}, false
	}
	return holder, !processRunning(holder.PID)
}

func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
