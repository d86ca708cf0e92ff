package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file when it changes and calls onUpdate with
// every valid new version. Invalid versions are logged and ignored, so the
// last good configuration stays in effect. The directory is watched rather
// than the file because editors and ConfigMaps replace files on save.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onUpdate func(*Config)) error {
	if path == "" {
		path = DefaultPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return err
	}

	logger = logger.With().Str("component", "config").Str("path", abs).Logger()
	logger.Info().Msg("watching config for changes")

	go func() {
		defer w.Close()

		var (
			timer  *time.Timer
			reload <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case <-reload:
				reload = nil
				cfg, err := Load(path)
				if err != nil {
					logger.Error().Err(err).Msg("config reload rejected, keeping previous settings")
					continue
				}
				logger.Info().Msg("config reloaded")
				if onUpdate != nil {
					onUpdate(cfg)
				}

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				reload = timer.C

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return nil
}
