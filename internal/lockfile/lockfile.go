// Package lockfile guards the state directory against concurrent CareLine
// instances. A second poller over the same store would break the per-sender
// ordering guarantee, so startup takes an exclusive flock that the kernel
// releases automatically if the process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "careline.lock"

// Lock is an acquired exclusive lock on a state directory.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CareLine instance is already using this state directory (lock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += ", held by " + e.ExistingInfo
	}
	return msg + ")"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// AcquireLock takes an exclusive lock on the state directory, creating it if
// needed. When the lock is already held it returns a LockError describing
// the holding process.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := holderInfo(lockPath)
		slog.Error("Lock acquisition failed", "lockPath", lockPath, "holder", info, "error", err)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	if _, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("writing lock file %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lock file sync failed", "lockPath", lockPath, "error", err)
	}

	slog.Info("Acquired state directory lock", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Release drops the lock and removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Flock release failed", "lockPath", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock file close failed", "lockPath", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Error("Lock file removal failed", "lockPath", l.path, "error", err)
	}
	l.acquired = false
	l.file = nil
	slog.Info("Released state directory lock", "lockPath", l.path)
	return nil
}

// holderInfo reads an existing lock file and reports the holding PID and
// whether it is still alive.
func holderInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, stale lock)", pid)
}

// parsePID extracts the PID from "pid=NNNN" lock file content.
func parsePID(content string) int {
	const prefix = "pid="
	idx := strings.Index(content, prefix)
	if idx < 0 {
		return 0
	}
	rest := content[idx+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
