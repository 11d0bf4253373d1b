package transform

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchRules reloads the transformer's rules whenever the rules file
// changes. Runs until the context is cancelled. Reload failures keep the
// previous rules in place.
//
// Editors typically replace files by rename, so the parent directory is
// watched and events are filtered by name.
func WatchRules(ctx context.Context, path string, transformer *Transformer, logger *logrus.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger.WithField("path", path).Info("Watching masking rules for changes")

	// Debounce rapid write sequences from editors and config pushers.
	var pending *time.Timer
	pendingC := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case pendingC <- struct{}{}:
				default:
				}
			})

		case <-pendingC:
			rules, err := LoadRules(path)
			if err != nil {
				logger.WithError(err).Warn("Masking rules reload failed, keeping previous rules")
				continue
			}
			if err := transformer.Reload(rules); err != nil {
				logger.WithError(err).Warn("Masking rules rejected, keeping previous rules")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Masking rules watcher error")
		}
	}
}
