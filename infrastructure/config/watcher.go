package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config file when it changes and applies the new log
// level. Other settings take effect on restart; OnChange callbacks see them.
type Watcher struct {
	path      string
	level     zap.AtomicLevel
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewWatcher starts watching path. The directory is watched rather than the
// file so that editors which replace the file on save are handled.
func NewWatcher(path string, initial *Config, level zap.AtomicLevel, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		level:   level,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
		config:  initial,
	}
	go w.watchLoop()

	logger.Info("Configuration hot reloading enabled", zap.String("file", path))
	return w, nil
}

// OnChange registers a callback run after each successful reload.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the latest successfully loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *Watcher) watchLoop() {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) || !isConfigFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			w.logger.Info("Stopping configuration watcher")
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := NewLoader(w.path).Load()
	if err != nil {
		w.logger.Error("Invalid configuration after reload, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.config
	w.config = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	if old == nil || old.LogLevel != cfg.LogLevel {
		if err := ApplyLogLevel(w.level, cfg.LogLevel); err != nil {
			w.logger.Warn("Ignoring log level", zap.String("log_level", cfg.LogLevel), zap.Error(err))
		} else {
			w.logger.Info("Log level changed", zap.String("log_level", cfg.LogLevel))
		}
	}

	for _, cb := range callbacks {
		cb(cfg)
	}
	w.logger.Info("Configuration reloaded", zap.Int("callbacks_notified", len(callbacks)))
}

// ApplyLogLevel parses level and sets it on the atomic level.
func ApplyLogLevel(atomic zap.AtomicLevel, level string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	atomic.SetLevel(l)
	return nil
}
