package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce coalesces bursts of writes from editors.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads a configuration when its file changes.
type Watcher struct {
	path     string
	debounce time.Duration
	lookup   LookupFunc
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for the configuration at path.
func NewWatcher(path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		debounce: DefaultWatchDebounce,
		lookup:   os.LookupEnv,
		logger:   logger.With().Str("component", "config-watcher").Str("path", path).Logger(),
	}
}

// Run watches until ctx is done, calling onChange with the result of every
// reload. Invalid documents are passed to onChange as errors and do not stop
// the watch.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so the parent directory is watched and
	// events are filtered by name. A CUE package directory is watched as is.
	dir := filepath.Dir(w.path)
	target := filepath.Clean(w.path)
	isDir := false
	if info, err := os.Stat(w.path); err == nil && info.IsDir() {
		dir, isDir = w.path, true
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info().Msg("Watching configuration")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event, target, isDir) {
				continue
			}
			w.logger.Debug().Str("event", event.Op.String()).Str("file", event.Name).Msg("Configuration changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := LoadWithEnv(w.path, w.lookup)
			if err != nil {
				w.logger.Warn().Err(err).Msg("Configuration reload failed")
			} else {
				w.logger.Info().Int("components", len(cfg.Components)).Msg("Configuration reloaded")
			}
			onChange(cfg, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event, target string, isDir bool) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	if isDir {
		return filepath.Ext(event.Name) == ".cue"
	}
	return filepath.Clean(event.Name) == target
}
