// Package watcher reloads the YAML configuration when the file changes on disk
// and hands each valid snapshot to a callback. Invalid files are logged and ignored.
package watcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/ReplicateProxyAPI/internal/config"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces the burst of events editors emit for a single save.
const DefaultDebounce = 150 * time.Millisecond

// Watcher watches one configuration file.
type Watcher struct {
	configPath string
	reload     func(*config.Config)
	lookupEnv  func(string) (string, bool)
	debounce   time.Duration
	lastHash   [sha256.Size]byte
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithEnvironment sets the lookup used to reapply environment overrides after each reload.
func WithEnvironment(lookup func(string) (string, bool)) Option {
	return func(w *Watcher) {
		w.lookupEnv = lookup
	}
}

// NewWatcher creates a watcher for configPath. reload receives every new valid snapshot.
//
// Parameters:
//   - configPath: The YAML file to watch
//   - reload: Called with each successfully parsed configuration
//
// Returns:
//   - *Watcher: A new watcher
//   - error: An error if the path is empty or reload is nil
func NewWatcher(configPath string, reload func(*config.Config), opts ...Option) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("watcher: config path is empty")
	}
	if reload == nil {
		return nil, errors.New("watcher: reload callback is nil")
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve config path: %w", err)
	}
	w := &Watcher{
		configPath: abs,
		reload:     reload,
		debounce:   DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	if data, errRead := os.ReadFile(abs); errRead == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w, nil
}

// Run blocks until ctx is done, reloading the configuration after each settled change.
// The parent directory is watched so atomic rename-based saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create: %w", err)
	}
	defer func() {
		if errClose := fsw.Close(); errClose != nil {
			log.Debugf("watcher: close: %v", errClose)
		}
	}()

	dir := filepath.Dir(w.configPath)
	if err = fsw.Add(dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", dir, err)
	}
	log.Infof("watching configuration file %s", w.configPath)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case errWatch, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher: %v", errWatch)
		case <-fire:
			fire = nil
			w.reloadConfig()
		}
	}
}

// reloadConfig parses the file and forwards it when the content actually changed.
func (w *Watcher) reloadConfig() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Warnf("watcher: read %s: %v", w.configPath, err)
		return
	}
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		log.Debug("watcher: configuration unchanged")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: keeping previous configuration: %v", err)
		return
	}
	if w.lookupEnv != nil {
		cfg.ApplyEnvironment(w.lookupEnv)
	}
	w.lastHash = hash
	log.Info("configuration file changed, reloading")
	w.reload(cfg)
}
