package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchProviders reloads the providers file whenever it changes and hands
// the parsed result to onChange. A file that fails to parse is logged and
// the previous providers stay in effect. It blocks until ctx is done.
func WatchProviders(ctx context.Context, path string, logger *logrus.Logger, onChange func([]ProviderConfig)) error {
	if logger == nil {
		logger = logrus.New()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	const debounce = 250 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Providers file watcher error")
		case <-timer.C:
			providers, err := LoadProviders(path)
			if err != nil {
				logger.WithError(err).WithField("path", path).Error("Failed to reload providers, keeping previous configuration")
				continue
			}
			logger.WithFields(logrus.Fields{
				"path":      path,
				"providers": len(providers),
			}).Info("Providers file changed")
			onChange(providers)
		}
	}
}
