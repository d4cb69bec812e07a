// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watcher reloads configuration when the backing file changes. Only dynamic
// knobs (budgets, thresholds, modes) should be consumed from reloads; wiring
// like addresses requires a restart.
type Watcher struct {
	mu      sync.RWMutex
	v       *viper.Viper
	current *Config
	logger  *zap.Logger
	onApply []func(*Config)
}

// NewWatcher loads the config file and begins watching it for changes.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Watcher{v: v, current: cfg, logger: logger}
	v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(e.Name)
	})
	v.WatchConfig()
	return w, nil
}

// Current returns the most recently validated configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnApply registers a callback invoked after each successful reload.
func (w *Watcher) OnApply(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApply = append(w.onApply, fn)
}

func (w *Watcher) reload(name string) {
	cfg := &Config{}
	if err := w.v.Unmarshal(cfg); err != nil {
		w.logger.Warn("config reload failed, keeping previous",
			zap.String("file", name), zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config reload invalid, keeping previous",
			zap.String("file", name), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Config){}, w.onApply...)
	w.mu.Unlock()
	w.logger.Info("config reloaded", zap.String("file", name))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
