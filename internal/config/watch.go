package config

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads settings when the CONFIG_PATH file changes. Tunables read
// through Get pick up the new values; invalid files keep the old settings.
// No-op when CONFIG_PATH is unset.
func Watch(logger *zap.Logger) (func(), error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops a direct watch.
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(cfgPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if _, err := Load(); err != nil {
					logger.Warn("Config reload failed, keeping previous settings", zap.Error(err))
					continue
				}
				logger.Info("Config reloaded", zap.String("path", cfgPath))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
