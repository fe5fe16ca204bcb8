package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch triggers Reload whenever the config file changes on disk, debounced to absorb the
// burst of events a single save often produces (editors write-then-rename, some emit a Chmod
// alongside a Write). Blocks until ctx is cancelled. Optional: GET /reload stays the primary
// reload path whether or not a watcher is running.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = 150 * time.Millisecond
	}

	r.logger.Info("watching config for changes", "path", r.path)

	var mu sync.Mutex
	var timer *time.Timer
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := r.Reload(); err != nil {
				r.logger.Error("config reload failed", "error", err)
				return
			}
			r.logger.Info("config reloaded from file watch", "models", r.Len())
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("config watcher error", "error", err)
		}
	}
}
