// Package lockfile keeps two LeadPipe processes from serving from the same
// state directory. The lock is an flock on a file in that directory, so the
// kernel drops it when the process dies.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "leadpipe.lock"

// Info is the holder description written into the lock file.
type Info struct {
	PID     int
	Addr    string
	Started time.Time
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if i.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", i.Addr)
	}
	fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	return b.String()
}

// parseInfo reads key=value lines. Unknown keys and bad values are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case "pid":
			if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
				info.PID = pid
			}
		case "addr":
			info.Addr = v
		case "started":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				info.Started = t
			}
		}
	}
	return info
}

// String describes the holder for error messages.
func (i Info) String() string {
	if i.PID == 0 {
		return "unknown process"
	}
	s := fmt.Sprintf("PID %d", i.PID)
	if processRunning(i.PID) {
		s += " (running)"
	} else {
		s += " (not running - stale lock)"
	}
	if i.Addr != "" {
		s += ", serving " + i.Addr
	}
	if !i.Started.IsZero() {
		s += ", since " + i.Started.Format(time.RFC3339)
	}
	return s
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory
// when needed. addr is recorded for the benefit of whoever finds the lock held.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := Info{}
		if data, rerr := os.ReadFile(lockPath); rerr == nil {
			holder = parseInfo(string(data))
		}
		slog.Error("Failed to acquire lock - another LeadPipe instance is running", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	info := Info{PID: os.Getpid(), Addr: addr, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. It is safe to call more
// than once.
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
	slog.Info("Released state directory lock", "lock_path", l.path)
	return errors.Join(errs...)
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another LeadPipe instance is already using this state directory (lock file %s, held by %s); "+
		"if that process is gone, remove the lock file and start again", e.LockPath, e.Holder)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// processRunning probes pid with signal 0.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
