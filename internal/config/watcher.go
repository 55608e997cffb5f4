package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invokes a handler whenever a single configuration file changes.
// It watches the parent directory because editors and config mounts replace
// files with a write-then-rename, which drops a watch placed on the file
// itself.
type Watcher struct {
	path    string
	handler func()
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once
	logger  *zap.Logger
}

// NewWatcher creates a watcher for path. Call Start to begin delivering
// change notifications and Stop to release the underlying inotify handle.
func NewWatcher(path string, logger *zap.Logger, handler func()) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watch path cannot be empty")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		handler: handler,
		watcher: fw,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Info("Configuration file changed",
				zap.String("file", ev.Name),
				zap.String("op", ev.Op.String()),
			)
			w.handler()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// Stop terminates the watch loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}
