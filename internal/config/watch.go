package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/shipforge/internal/task"
)

const watchDebounce = 200 * time.Millisecond

// Watcher reloads a pipeline file when it changes and swaps the result into
// a live registry. A file that fails to load leaves the registry untouched.
type Watcher struct {
	path     string
	reg      *task.Registry
	onReload func(p *Pipeline, err error)
	debounce time.Duration
}

// NewWatcher creates a watcher for path. onReload is called after every
// reload attempt and may be nil.
func NewWatcher(path string, reg *task.Registry, onReload func(p *Pipeline, err error)) *Watcher {
	return &Watcher{path: path, reg: reg, onReload: onReload, debounce: watchDebounce}
}

// Run watches until ctx is done. The parent directory is watched so editors
// that replace the file on save are handled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	target := filepath.Clean(w.path)
	slog.Info("watching pipeline", "file", w.path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	p, reg, err := Load(w.path)
	if err != nil {
		slog.Warn("pipeline reload failed, keeping previous definitions", "file", w.path, "error", err)
	} else {
		w.reg.Replace(reg)
		slog.Info("pipeline reloaded", "file", w.path, "tasks", len(p.Tasks), "macros", len(p.Macros))
	}
	if w.onReload != nil {
		w.onReload(p, err)
	}
}
