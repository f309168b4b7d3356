package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDelay debounces bursts of file events.
const DefaultWatchDelay = 300 * time.Millisecond

// Watch calls onChange whenever one of files is written, created or renamed,
// until ctx is done. Parent directories are watched so that editors that
// replace files atomically are seen. onChange returns the files to watch
// next; an empty result keeps the current set.
func Watch(ctx context.Context, files []string, logger zerolog.Logger, onChange func() []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	track := func(paths []string) {
		watched = make(map[string]bool, len(paths))
		for _, f := range paths {
			abs, err := filepath.Abs(f)
			if err != nil {
				continue
			}
			watched[abs] = true
			dir := filepath.Dir(abs)
			if dirs[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
				continue
			}
			dirs[dir] = true
		}
	}
	track(files)

	logger.Info().Int("files", len(watched)).Msg("Watching launch files")

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !watched[name] {
				continue
			}
			logger.Debug().Str("file", name).Str("op", event.Op.String()).Msg("Launch file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(DefaultWatchDelay)
			fire = debounce.C

		case <-fire:
			fire = nil
			if next := onChange(); len(next) > 0 {
				track(next)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
