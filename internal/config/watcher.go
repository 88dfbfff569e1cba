package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultsWatcher hot-reloads a Defaults file and fans valid reloads
// out to registered callbacks via an fsnotify-driven reload loop.
type DefaultsWatcher struct {
	mu        sync.RWMutex
	path      string
	current   Defaults
	callbacks []func(Defaults)
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// WatchDefaults loads path once, then watches it for changes,
// invoking registered callbacks with each successfully reloaded and
// validated Defaults value. A write that fails to parse or validate is
// logged and ignored, leaving the last-good Defaults in effect.
func WatchDefaults(path string, logger *zap.Logger) (*DefaultsWatcher, error) {
	initial, err := LoadDefaults(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(path); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	w := &DefaultsWatcher{
		path:    path,
		current: initial,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

// Current returns the most recently loaded, validated Defaults.
func (w *DefaultsWatcher) Current() Defaults {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked after each successful reload.
func (w *DefaultsWatcher) OnReload(fn func(Defaults)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watch loop and releases the underlying fsnotify
// watcher.
func (w *DefaultsWatcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *DefaultsWatcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config defaults watcher error", zap.Error(err))
			}
		}
	}
}

func (w *DefaultsWatcher) reload() {
	next, err := LoadDefaults(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("config defaults reload failed, keeping last-good value", zap.Error(err))
		}
		return
	}

	w.mu.Lock()
	w.current = next
	callbacks := append([]func(Defaults){}, w.callbacks...)
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Info("config defaults reloaded", zap.String("path", w.path))
	}
	for _, cb := range callbacks {
		cb(next)
	}
}
