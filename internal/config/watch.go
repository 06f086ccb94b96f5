package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events one save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path when its content changes and passes the new Config to
// onChange. It blocks until ctx is done.
//
// The parent directory is watched rather than the file, so saves that swap
// the file (editor renames, ConfigMap symlink flips) keep being seen. Events
// whose content matches the last read are ignored. A file that fails to load
// is logged and skipped; the running config stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	last, _ := os.ReadFile(path)
	slog.Info("config: watching for changes", "path", path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if pending == nil {
				pending = time.After(reloadDelay)
			}

		case <-pending:
			pending = nil
			data, err := os.ReadFile(path)
			if err != nil {
				// Mid-swap the file can be briefly missing; the next event retries.
				slog.Debug("config: read during reload failed", "path", path, "err", err)
				continue
			}
			// An empty read is a truncate caught before the write lands.
			if len(data) == 0 || bytes.Equal(data, last) {
				continue
			}
			last = data

			cfg, err := Parse(data)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			slog.Info("config: reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// JobsChanged reports whether the job definitions differ between a and b.
// Jobs are fixed for the lifetime of the process, so a change only takes
// effect after a restart.
func JobsChanged(a, b *Config) bool {
	return !reflect.DeepEqual(a.Jobs, b.Jobs)
}
