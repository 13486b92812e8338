package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

// reloadDebounce coalesces the write bursts editors and atomic-save
// tools produce into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file on change and hands valid results to
// onChange. Invalid intermediate states are logged and skipped; the
// previous configuration stays active. Watch returns after the initial
// load and runs until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func([]*model.Ingester)) error {
	log := logging.Default(logger).With("component", "config")

	ingesters, err := Load(path)
	if err != nil {
		return err
	}
	onChange(ingesters)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: watch config: %v", apperr.ErrConfig, err)
	}
	// Watch the directory: atomic saves replace the file inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("%w: watch %s: %v", apperr.ErrConfig, path, err)
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})

			case <-reload:
				ingesters, err := Load(path)
				if err != nil {
					log.Warn("config reload rejected", "path", path, "error", err)
					continue
				}
				log.Info("config reloaded", "path", path, "ingesters", len(ingesters))
				onChange(ingesters)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
