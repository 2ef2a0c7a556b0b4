package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// FileLocker keeps one lock file per key in Dir. Locks only exclude runs on
// the same machine or sharing Dir over a filesystem.
type FileLocker struct {
	Dir string
}

// NewFileLocker returns a file locker rooted at dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{Dir: dir}
}

type fileLock struct {
	key  string
	path string
}

func (l *fileLock) Key() string { return l.key }

// Release removes the lock file. It is idempotent.
func (l *fileLock) Release(context.Context) error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Acquire creates the lock file for key. A lock left by a dead process on
// this machine is reclaimed.
func (f *FileLocker) Acquire(_ context.Context, key string, info Info) (Lock, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := f.path(key)
	info.Key = key

	err := writeLock(path, &info)
	if err == nil {
		return &fileLock{key: key, path: path}, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	existing, readErr := readLock(path)
	if readErr != nil {
		return nil, &HeldError{Key: key}
	}
	if !f.stale(existing) {
		return nil, &HeldError{Key: key, Info: existing}
	}

	slog.Warn("reclaiming stale lock", "key", key, "stale_pid", existing.PID, "run", existing.RunID)
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}
	if err := writeLock(path, &info); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &HeldError{Key: key}
		}
		return nil, fmt.Errorf("acquire after stale removal: %w", err)
	}
	return &fileLock{key: key, path: path}, nil
}

// Inspect returns the current holder of key.
func (f *FileLocker) Inspect(_ context.Context, key string) (*Info, error) {
	info, err := readLock(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotLocked
	}
	return info, err
}

// ForceRelease removes the lock file regardless of its owner.
func (f *FileLocker) ForceRelease(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotLocked
	}
	return err
}

func (f *FileLocker) path(key string) string {
	return filepath.Join(f.Dir, fileName(key)+".lock")
}

// stale reports whether the holder was a process on this machine that is no
// longer running. Locks from other machines are never considered stale.
func (f *FileLocker) stale(info *Info) bool {
	host, _ := os.Hostname()
	if info.Hostname != "" && info.Hostname != host {
		return false
	}
	return !isProcessAlive(info.PID)
}

// fileName maps a lock key onto a safe file name.
func fileName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

func readLock(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &info, nil
}

// writeLock atomically creates the lock file using O_CREATE|O_EXCL.
func writeLock(path string, info *Info) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	encErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if encErr != nil {
		return encErr
	}
	return closeErr
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks existence without sending anything
	return proc.Signal(syscall.Signal(0)) == nil
}
