package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Handler receives configuration revisions from Watch.
type Handler interface {
	// ApplyConfig is called with each revision that loads and validates.
	ApplyConfig(ctx context.Context, cfg *Config) error
	// RejectConfig is called with the error of each revision that does not.
	RejectConfig(ctx context.Context, err error)
}

const watchDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes until ctx is cancelled. The parent
// directory is watched so editors that replace the file by rename are seen.
func Watch(ctx context.Context, path string, h Handler, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	log = log.With().Str("component", "config_watch").Str("file", abs).Logger()
	log.Info().Msg("watching configuration")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		case <-timer.C:
			reload(ctx, abs, h, log)
		}
	}
}

func reload(ctx context.Context, path string, h Handler, log zerolog.Logger) {
	cfg, found, err := Load(path)
	if err == nil && !found {
		log.Debug().Msg("configuration file removed, keeping current settings")
		return
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Error().Err(err).Msg("configuration change rejected")
		h.RejectConfig(ctx, err)
		return
	}
	if err := h.ApplyConfig(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("configuration change not applied")
		h.RejectConfig(ctx, err)
		return
	}
	log.Info().Msg("configuration reloaded")
}
