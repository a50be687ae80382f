package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collects the burst of events an editor save produces
// (truncate, write, chmod, rename) into one reload.
const reloadDelay = 200 * time.Millisecond

// Watch monitors path for changes and calls onChange with the newly loaded
// Config and the names of the sections that differ from the previous one.
// It runs until ctx is cancelled.
//
// The parent directory is watched, so atomic saves and a file created after
// startup are both seen. A save that leaves every section unchanged does not
// call onChange. If a reload fails (e.g., invalid YAML), the error is logged
// and the previous config remains active.
func Watch(ctx context.Context, path string, onChange func(cfg *Config, changed []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	current, err := Load(path)
	if err != nil {
		// The agent falls back to defaults when the file is missing or bad.
		current = Default()
	}

	slog.Info("config: watching for changes", "path", path)

	pending := time.NewTimer(reloadDelay)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			// Editors often save via rename, so Create counts as a write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			pending.Reset(reloadDelay)

		case <-pending.C:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}
			changed := Diff(current, cfg)
			if len(changed) == 0 {
				slog.Debug("config: file saved without changes", "path", path)
				continue
			}
			current = cfg
			slog.Info("config: reloaded", "path", path, "changed", changed)
			onChange(cfg, changed)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// Diff returns the yaml names of the top-level sections that differ between
// prev and next, in file order.
func Diff(prev, next *Config) []string {
	pv, nv := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	t := pv.Type()

	var changed []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		changed = append(changed, name)
	}
	return changed
}
