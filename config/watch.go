package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/decred/slog"
)

// Watcher reloads the config file from disk whenever it (or the
// directory containing it, to survive editors that replace-then-
// rename) changes, debouncing a burst of events the way
// client/resources/simplestore.Store.runFSWatcher does.
type Watcher struct {
	path string
	log  slog.Logger
	onReload func(*Config, error)
}

// NewWatcher builds a Watcher for the config file at path. onReload is
// called with the freshly loaded Config (or the error LoadFile
// returned) after every debounced change.
func NewWatcher(path string, log slog.Logger, onReload func(*Config, error)) *Watcher {
	if log == nil {
		log = slog.Disabled
	}
	return &Watcher{path: path, log: log, onReload: onReload}
}

// Run watches until ctx is done. It never returns an error on its own;
// a failure to set up the underlying inotify/kqueue watcher is logged
// and Run returns, since live reload is not critical to the session
// core's operation (the config already loaded once before Run starts).
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnf("unable to start config watcher: %v", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		w.log.Warnf("unable to watch %s: %v", dir, err)
		return
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case <-debounce:
			debounce = nil
			cfg, err := LoadFile(w.path)
			if err != nil {
				w.log.Errorf("reload config: %v", err)
			} else {
				w.log.Infof("reloaded config from %s", w.path)
			}
			if w.onReload != nil {
				w.onReload(cfg, err)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name == w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(250 * time.Millisecond)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("config watcher error: %v", err)
		}
	}
}
