package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback receives the previous and the newly loaded configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration when its file changes or the
// process receives SIGHUP. Settings that shape stored data cannot change
// at runtime; a reload touching them is rejected and the old
// configuration stays active.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	callback ReloadCallback
}

// NewConfigReloader creates a reloader for path. An empty path disables
// file watching and leaves SIGHUP as the only trigger.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
		current: cfg.Clone(),
	}
	if path != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Editors replace files on save; watching the directory survives that.
		if err := w.Add(filepath.Dir(path)); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
		r.watcher = w
	}
	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function invoked after a successful reload.
func (r *ConfigReloader) SetOnReloadCallback(fn ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.done:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				r.logger.WithField("file", ev.Name).Debug("Configuration file changed")
				r.reload()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop ends watching. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Warn("No configuration file to reload")
		return
	}
	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping the current one")
		return
	}

	r.mu.Lock()
	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.mu.Unlock()
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	r.current = next
	callback := r.callback
	r.mu.Unlock()

	if callback != nil {
		if err := callback(old.Clone(), next.Clone()); err != nil {
			r.logger.WithError(err).Error("Configuration reload callback failed")
			return
		}
	}
	r.logger.WithField("log_level", next.LogLevel).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes to settings that determine how
// objects are stored or encrypted.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	if !reflect.DeepEqual(old.Vaults, next.Vaults) {
		return fmt.Errorf("vaults cannot be changed during hot reload")
	}
	if old.Backend != next.Backend {
		return fmt.Errorf("backend cannot be changed during hot reload")
	}
	if old.Segments.Prefix != next.Segments.Prefix {
		return fmt.Errorf("segments.prefix cannot be changed during hot reload")
	}
	if old.ListenAddr != next.ListenAddr {
		return fmt.Errorf("listen_addr cannot be changed during hot reload")
	}
	if old.TLS != next.TLS {
		return fmt.Errorf("tls cannot be changed during hot reload")
	}
	return nil
}
