package metadata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The containing directory is watched so that editors replacing the file by
// rename are picked up too. Bursts of events are coalesced.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		return errors.New("metadata store has no backing file")
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create metadata watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch metadata directory: %w", err)
	}

	s.logger.Info("watching metadata catalog", "path", target)

	timer := time.NewTimer(debounce)
	timer.Stop()

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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("metadata watcher error", "error", err)

		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.logger.Warn("metadata reload failed, keeping previous catalog", "path", target, "error", err)
				continue
			}
			s.logger.Info("metadata catalog reloaded", "path", target, "flows", len(s.Catalog().flows))
		}
	}
}
