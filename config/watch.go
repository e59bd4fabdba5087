package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the configuration file whenever it changes and swaps the
// new provider set into reg. Invalid intermediate states (half-written
// files, parse errors) are logged and skipped; the previous provider set
// stays live. Watch blocks until ctx is canceled.
func Watch(ctx context.Context, path string, reg *Registry, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload skipped", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			reg.Replace(cfg.Providers)
			log.Info("provider config reloaded", slog.String("path", path), slog.Int("providers", len(cfg.Providers)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
