package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchKick calls fn every time the kick file is written until ctx is
// cancelled. It watches the parent directory so the file may be created
// after the watch starts.
func watchKick(ctx context.Context, path string, logger *slog.Logger, fn func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("kick watcher unavailable", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("kick watch failed", "path", path, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				logger.Debug("kick file touched")
				fn()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("kick watcher error", "error", err)
		}
	}
}
