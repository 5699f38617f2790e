package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// Watch invalidates cached state when top-level entries of the repositories
// folder appear, disappear or move outside the registry's own writes.
// Nested changes are picked up by modification tokens and the next rebuild.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create repositories watcher: %w", err)
	}
	if err := watcher.Add(r.root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch repositories folder: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.watchMu.Lock()
	if r.stopWatch != nil {
		r.stopWatch()
	}
	r.stopWatch = cancel
	r.watchMu.Unlock()

	r.logger.Info("Watching repositories folder", logfields.Path(r.root))
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				r.handleFolderEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("Repositories watcher error", logfields.Error(err))
			}
		}
	}()
	return nil
}

func (r *Registry) handleFolderEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	r.mu.Lock()
	r.listValid = false
	r.mu.Unlock()
	if !event.Op.Has(fsnotify.Create) {
		r.Invalidate(name)
	}
	r.logger.Debug("Repositories folder changed", logfields.Path(event.Name))
}
