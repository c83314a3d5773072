package tiers

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader is anything that can re-read its tier source
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher reloads a catalog when its YAML file changes on disk
type Watcher struct {
	path     string
	target   Reloader
	debounce time.Duration
	onReload []func(ctx context.Context)
	log      logrus.FieldLogger
}

// NewWatcher creates a file watcher for the given catalog file
func NewWatcher(path string, target Reloader, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{
		path:     path,
		target:   target,
		debounce: 250 * time.Millisecond,
		log:      log.WithField("component", "tier-watcher"),
	}
}

// OnReload registers a callback run after every successful reload
func (w *Watcher) OnReload(fn func(ctx context.Context)) {
	w.onReload = append(w.onReload, fn)
}

// Run blocks until ctx is done. The parent directory is watched so that
// editors replacing the file through a rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	w.log.WithField("path", target).Info("watching tier catalog")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("tier watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if err := w.target.Reload(ctx); err != nil {
		w.log.WithError(err).Error("tier catalog reload failed")
		return
	}
	for _, fn := range w.onReload {
		fn(ctx)
	}
}
