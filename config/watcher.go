package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"blurcam/logging"
)

// Watcher republishes an immutable settings snapshot whenever the config
// file's modification marker advances. The frame pump reads the snapshot
// every tick through a single atomic pointer load, so it can never observe
// a partially updated record.
//
// The modification marker poll is the authority. An fsnotify watch on the
// config directory only triggers an immediate recheck so CLI edits apply
// without waiting out the poll interval; if the watch cannot be created the
// watcher degrades to plain polling.
type Watcher struct {
	path         string
	pollInterval time.Duration
	snapshot     atomic.Pointer[Settings]
	marker       atomic.Int64
	logger       *logrus.Entry
}

// NewWatcher loads the initial snapshot from path and prepares a watcher
// polling at the given interval. Intervals above one second are clamped so
// config changes are picked up no slower than once per second.
func NewWatcher(path string, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 || pollInterval > time.Second {
		pollInterval = time.Second
	}
	w := &Watcher{
		path:         path,
		pollInterval: pollInterval,
		logger:       logging.NewLogger("config-watcher"),
	}
	initial := LoadFile(path)
	w.snapshot.Store(&initial)
	w.marker.Store(ModMarker(path))
	return w
}

// Snapshot returns the current settings snapshot. The returned pointer is
// immutable; callers copy the value and never hold it across a tick.
func (w *Watcher) Snapshot() Settings {
	return *w.snapshot.Load()
}

// Run polls the modification marker until the context is cancelled. It is
// meant to be run on its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	events := w.watchDir(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.recheck()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.recheck()
		}
	}
}

// recheck reloads and republishes the snapshot if the marker advanced.
func (w *Watcher) recheck() {
	marker := ModMarker(w.path)
	if marker <= w.marker.Load() {
		return
	}
	w.marker.Store(marker)
	next := LoadFile(w.path)
	w.snapshot.Store(&next)
	w.logger.WithFields(logrus.Fields{
		"blur":      next.Blur,
		"threshold": next.Threshold,
	}).Info("Settings updated")
}

// watchDir sets up an fsnotify watch on the config directory and forwards
// write/create events for the config file. Returns a nil channel (never
// ready) when the watch cannot be established.
func (w *Watcher) watchDir(ctx context.Context) <-chan struct{} {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.WithError(err).Warn("Config watch unavailable, falling back to polling only")
		return nil
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		w.logger.WithError(err).Warn("Could not watch config dir, falling back to polling only")
		fw.Close()
		return nil
	}

	events := make(chan struct{}, 1)
	go func() {
		defer fw.Close()
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Name != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Warn("Config watch error")
			}
		}
	}()
	return events
}
