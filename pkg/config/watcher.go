package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigChangeCallback is called after a successful reload
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// ConfigWatcher watches the configuration file and reloads it on change
type ConfigWatcher struct {
	configManager *ConfigManager
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	path          string

	mu           sync.Mutex
	callbacks    []ConfigChangeCallback
	debounceTime time.Duration
	pending      *time.Timer
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewConfigWatcher creates a watcher for the file the manager loaded from
func NewConfigWatcher(configManager *ConfigManager, logger *slog.Logger) (*ConfigWatcher, error) {
	path := configManager.ConfigPath()
	if path == "" {
		return nil, fmt.Errorf("no config path set")
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors replace files on save, so the directory is watched instead.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	return &ConfigWatcher{
		configManager: configManager,
		watcher:       watcher,
		logger:        logger,
		path:          path,
		debounceTime:  500 * time.Millisecond,
		stopChan:      make(chan struct{}),
	}, nil
}

// SetDebounceTime sets how long a burst of events is coalesced
func (cw *ConfigWatcher) SetDebounceTime(duration time.Duration) {
	cw.mu.Lock()
	cw.debounceTime = duration
	cw.mu.Unlock()
}

// AddCallback registers a callback invoked with the old and new configuration
func (cw *ConfigWatcher) AddCallback(callback ConfigChangeCallback) {
	cw.mu.Lock()
	cw.callbacks = append(cw.callbacks, callback)
	cw.mu.Unlock()
}

// Start starts the watch loop
func (cw *ConfigWatcher) Start() {
	cw.logger.Info("watching configuration", "path", cw.path)
	go cw.watchLoop()
}

// Stop stops the watcher; it is safe to call more than once
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.mu.Lock()
		if cw.pending != nil {
			cw.pending.Stop()
		}
		cw.mu.Unlock()
		if err := cw.watcher.Close(); err != nil {
			cw.logger.Warn("closing config watcher", "error", err)
		}
	})
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleFileEvent(event)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", "error", err)

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) handleFileEvent(event fsnotify.Event) {
	if !cw.isWatchedFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.pending = time.AfterFunc(cw.debounceTime, cw.triggerReload)
}

func (cw *ConfigWatcher) isWatchedFile(filename string) bool {
	absFilename, err := filepath.Abs(filename)
	if err != nil {
		return false
	}
	absWatchPath, err := filepath.Abs(cw.path)
	if err != nil {
		return false
	}
	return absFilename == absWatchPath
}

func (cw *ConfigWatcher) triggerReload() {
	select {
	case <-cw.stopChan:
		return
	default:
	}

	if _, err := os.Stat(cw.path); os.IsNotExist(err) {
		cw.logger.Warn("config file no longer exists", "path", cw.path)
		return
	}

	oldConfig := cw.configManager.GetConfig()
	if err := cw.configManager.Reload(); err != nil {
		cw.logger.Error("failed to reload configuration", "path", cw.path, "error", err)
		return
	}
	newConfig := cw.configManager.GetConfig()

	cw.mu.Lock()
	callbacks := append([]ConfigChangeCallback{}, cw.callbacks...)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		callback(oldConfig, newConfig)
	}
	cw.logger.Info("configuration reloaded", "path", cw.path)
}
