package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// SettingsWatcher re-reads the runtime settings file when it changes and
// publishes the result to a SettingsStore.
type SettingsWatcher struct {
	path         string
	base         RuntimeSettings
	store        *SettingsStore
	watcher      *fsnotify.Watcher
	debounceTime time.Duration
	onChange     func(RuntimeSettings)

	stopOnce   sync.Once
	stopChan   chan struct{}
	reloadChan chan struct{}
}

// NewSettingsWatcher creates a watcher for path. base supplies values for keys
// the file does not set. onChange, when non-nil, runs after each applied reload.
func NewSettingsWatcher(path string, base RuntimeSettings, store *SettingsStore, onChange func(RuntimeSettings)) (*SettingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve settings path: %w", err)
	}

	return &SettingsWatcher{
		path:         absPath,
		base:         base,
		store:        store,
		watcher:      watcher,
		debounceTime: 500 * time.Millisecond,
		onChange:     onChange,
		stopChan:     make(chan struct{}),
		reloadChan:   make(chan struct{}, 1),
	}, nil
}

// Start watches the directory holding the settings file. Editors replace
// files by rename, which a watch on the file itself would miss.
func (sw *SettingsWatcher) Start(ctx context.Context) error {
	if err := sw.watcher.Add(filepath.Dir(sw.path)); err != nil {
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}

	slog.Info("Starting settings watcher", logfields.Path(sw.path))

	go sw.watchLoop(ctx)
	go sw.reloadLoop(ctx)
	return nil
}

// Stop ends both loops and closes the underlying watcher.
func (sw *SettingsWatcher) Stop() error {
	var err error
	sw.stopOnce.Do(func() {
		close(sw.stopChan)
		err = sw.watcher.Close()
	})
	return err
}

func (sw *SettingsWatcher) watchLoop(ctx context.Context) {
	name := filepath.Base(sw.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopChan:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				sw.triggerReload()
			} else if event.Op&fsnotify.Remove != 0 {
				slog.Warn("Settings file removed, keeping current settings", logfields.Path(event.Name))
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Settings watcher error", logfields.Error(err))
		}
	}
}

func (sw *SettingsWatcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case <-sw.stopChan:
			stop()
			return
		case <-sw.reloadChan:
			stop()
			timer = time.AfterFunc(sw.debounceTime, func() {
				if err := sw.Reload(); err != nil {
					slog.Error("Failed to reload settings", logfields.Error(err))
				}
			})
		}
	}
}

func (sw *SettingsWatcher) triggerReload() {
	select {
	case sw.reloadChan <- struct{}{}:
	default:
	}
}

// Reload reads the file immediately and publishes the result when it differs
// from the current settings.
func (sw *SettingsWatcher) Reload() error {
	next, err := LoadSettingsFile(sw.path, sw.base)
	if err != nil {
		return err
	}
	if next.Equal(sw.store.Load()) {
		return nil
	}
	sw.store.Store(next)
	slog.Info("Runtime settings reloaded", logfields.Path(sw.path))
	if sw.onChange != nil {
		sw.onChange(next)
	}
	return nil
}
