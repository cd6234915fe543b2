package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/engine"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// reloader applies the YAML file at path to a running scheduler.
type reloader struct {
	path      string
	scheduler *engine.Scheduler
	logger    *zap.Logger
}

// apply re-reads the file. A bad file is logged and the old config stays.
func (r *reloader) apply() error {
	cfg, err := engine.LoadConfig(r.path)
	if err != nil {
		r.logger.Error("config_reload_failed", zap.String("path", r.path), zap.Error(err))
		return err
	}
	return r.scheduler.Reload(cfg)
}

// watch reloads on every change to the file until ctx is done. The parent
// directory is watched so atomic rename-on-save is seen too.
func (r *reloader) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	r.logger.Info("config_watch_started", zap.String("path", r.path))

	target := filepath.Clean(r.path)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("config_watch_error", zap.Error(err))
		case <-pending:
			pending = nil
			_ = r.apply()
		}
	}
}
