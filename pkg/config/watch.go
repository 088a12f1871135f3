package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"tiercache/internal/logging"
)

// reloadDebounce collapses the burst of events editors produce on save
const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid configuration
// to fn. Invalid files are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	// watch the directory: editors replace the file rather than write it
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warn(ctx, logging.ComponentConfig, logging.ActionReload, "Config watcher error", map[string]interface{}{
				"path":  abs,
				"error": err.Error(),
			})
		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				logging.Warn(ctx, logging.ComponentConfig, logging.ActionReload, "Ignoring invalid configuration", map[string]interface{}{
					"path":  abs,
					"error": err.Error(),
				})
				continue
			}
			logging.Info(ctx, logging.ComponentConfig, logging.ActionReload, "Configuration reloaded", map[string]interface{}{
				"path":   abs,
				"caches": len(cfg.Caches),
			})
			fn(cfg)
		}
	}
}
