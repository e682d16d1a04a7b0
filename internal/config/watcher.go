package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads h whenever its YAML file changes. The parent directory is
// watched so that editors replacing the file via rename are picked up.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, h *Holder) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	target, err := filepath.Abs(h.Path())
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		events = w.Events
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if p, _ := filepath.Abs(ev.Name); p != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := h.Reload(); err != nil {
				slog.Error("config reload rejected", "path", target, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", target)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
