package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"keeper/internal/logger"
)

// Snapshot is one successfully loaded configuration.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   Config
}

// ChangeListener is called with every snapshot that passes validation.
type ChangeListener func(Snapshot)

// Watcher keeps the last valid configuration of a file and reloads it when
// the file changes. A reload that fails validation is logged and dropped.
type Watcher struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewWatcher loads path and starts watching it. Included files are read on
// every reload but only path itself is watched.
func NewWatcher(path string) (*Watcher, error) {
	w, err := newWatcher(path)
	if err != nil {
		return nil, err
	}
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.Reload(); err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		w.notify()
	})
	w.v.WatchConfig()
	return w, nil
}

func newWatcher(path string) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	w := &Watcher{path: path, v: v}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Snapshot returns the current configuration.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

// Subscribe registers fn for later changes.
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Reload re-reads the file and its includes, keeping the previous snapshot
// on any error.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.snapshot = Snapshot{
		Version:  w.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Config:   *cfg,
	}
	w.mu.Unlock()
	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	snap := w.snapshot
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("config listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}
