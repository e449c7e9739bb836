package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher live-reloads a config file, debounced to coalesce editor saves
// and the control surface's own configure_storage writes, mirroring the
// teacher's spec-sync watch loop.
type Watcher struct {
	log      *zap.Logger
	path     string
	debounce time.Duration
	onChange func(Config)
}

// NewWatcher constructs a Watcher for path. onChange is invoked with the
// freshly loaded and already-validated Config after each debounced write;
// load or validation failures are logged and the previous config is kept.
func NewWatcher(log *zap.Logger, path string, onChange func(Config)) *Watcher {
	return &Watcher{
		log:      log.Named("config_watch"),
		path:     path,
		debounce: 750 * time.Millisecond,
		onChange: onChange,
	}
}

// Run blocks watching the config file until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		abs = w.path
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error("watcher init", zap.Error(err))
		return
	}
	defer fw.Close()

	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		w.log.Error("watch add dir", zap.String("dir", dir), zap.Error(err))
		return
	}

	var t *time.Timer
	trigger := func() {
		cfg, err := Load(abs)
		if err != nil {
			w.log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := cfg.Validate(); err != nil {
			w.log.Warn("reloaded config invalid", zap.Error(err))
			return
		}
		w.log.Info("config reloaded", zap.String("path", abs))
		w.onChange(cfg)
	}
	reset := func() {
		if t != nil {
			t.Stop()
		}
		t = time.AfterFunc(w.debounce, trigger)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Name != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reset()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}
