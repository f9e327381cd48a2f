package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
)

// reloadDelay coalesces the bursts of events editors produce on save.
var reloadDelay = 250 * time.Millisecond

// WatchQuota reloads path whenever it changes and passes the new quota
// section to apply. A file that fails to load or validate is logged and the
// previous limits stay in force. The watch ends with ctx.
func WatchQuota(ctx context.Context, path string, logger zerolog.Logger, apply func(engine.QuotaConfig)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so atomic renames are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.With().Str("component", "config-watcher").Str("path", abs).Logger()
	go processEvents(ctx, watcher, abs, logger, apply)

	logger.Info().Msg("Watching config for quota changes")
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, logger zerolog.Logger, apply func(engine.QuotaConfig)) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug().Str("op", event.Op.String()).Msg("Config file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Error().Err(err).Msg("Failed to reload config; keeping previous quota")
					return
				}
				apply(cfg.Quota)
				logger.Info().Int("types", len(cfg.Quota)).Msg("Quota limits reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
