// Package lock serialises deploys that touch the same host group.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"
)

// ErrNotLocked is returned by Inspect and ForceRelease when no lock exists.
var ErrNotLocked = errors.New("not locked")

// Info describes the holder of a lock.
type Info struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id"`
	Macro      string    `json:"macro"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewInfo fills in the owner, hostname and pid of the current process.
func NewInfo(runID, macro string) Info {
	host, _ := os.Hostname()
	return Info{
		Owner:      os.Getenv("USER"),
		Hostname:   host,
		PID:        os.Getpid(),
		RunID:      runID,
		Macro:      macro,
		AcquiredAt: time.Now(),
	}
}

// HeldError reports a lock owned by another run.
type HeldError struct {
	Key  string
	Info *Info
}

func (e *HeldError) Error() string {
	if e.Info == nil {
		return fmt.Sprintf("%s is locked", e.Key)
	}
	return fmt.Sprintf("%s is locked by %s@%s (pid %d, run %s, macro %s) since %s",
		e.Key, e.Info.Owner, e.Info.Hostname, e.Info.PID, e.Info.RunID, e.Info.Macro,
		e.Info.AcquiredAt.Format(time.RFC3339))
}

// Lock is a held lock.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker acquires and inspects named locks. Acquire does not wait: a lock
// held by someone else fails with *HeldError.
type Locker interface {
	Acquire(ctx context.Context, key string, info Info) (Lock, error)
	Inspect(ctx context.Context, key string) (*Info, error)
	ForceRelease(ctx context.Context, key string) error
}

// Set is a group of locks acquired together.
type Set []Lock

// Release releases every lock in reverse acquisition order.
func (s Set) Release(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i].Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", s[i].Key(), err))
		}
	}
	return errors.Join(errs...)
}

// AcquireAll takes a lock for every key in sorted order so two runs over
// overlapping groups cannot deadlock. On failure the locks already taken are
// released.
func AcquireAll(ctx context.Context, l Locker, keys []string, info Info) (Set, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held Set
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		lk, err := l.Acquire(ctx, key, info)
		if err != nil {
			if relErr := held.Release(context.WithoutCancel(ctx)); relErr != nil {
				slog.Warn("failed to release partial lock set", "error", relErr)
			}
			return nil, err
		}
		slog.Debug("lock acquired", "key", key)
		held = append(held, lk)
	}
	return held, nil
}

// Nop is a Locker that never blocks. Used when locking is disabled.
type Nop struct{}

type nopLock string

func (k nopLock) Key() string                 { return string(k) }
func (nopLock) Release(context.Context) error { return nil }

// Acquire always succeeds.
func (Nop) Acquire(_ context.Context, key string, _ Info) (Lock, error) {
	return nopLock(key), nil
}

// Inspect always reports ErrNotLocked.
func (Nop) Inspect(context.Context, string) (*Info, error) { return nil, ErrNotLocked }

// ForceRelease always reports ErrNotLocked.
func (Nop) ForceRelease(context.Context, string) error { return ErrNotLocked }
