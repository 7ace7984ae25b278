// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
)

// ConfigApplier reconciles running servers with a reloaded configuration.
type ConfigApplier interface {
	ApplyConfig(ctx context.Context, changed []string) error
}

// ConfigWatcher reloads a FileSource when its file changes and hands the
// changed server names to a ConfigApplier.
type ConfigWatcher struct {
	// fsWatcher is the underlying filesystem watcher
	fsWatcher *fsnotify.Watcher

	source *FileSource
	target ConfigApplier
	logger *slog.Logger

	// file is the absolute path of the watched configuration file
	file string

	// debounceDelay is the delay before reloading after file changes
	debounceDelay time.Duration

	// mu protects pending and reloads
	mu      sync.Mutex
	pending *time.Timer
	reloads int

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks the event loop and in-flight reloads
	wg sync.WaitGroup
}

// ConfigWatcherConfig configures a ConfigWatcher.
type ConfigWatcherConfig struct {
	// Source is the file-backed configuration to reload
	Source *FileSource

	// Target receives the changed server names after a successful reload
	Target ConfigApplier

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay is the delay before reloading after file changes (defaults to 200ms)
	DebounceDelay time.Duration
}

// NewConfigWatcher starts watching the source's file.
func NewConfigWatcher(cfg ConfigWatcherConfig) (*ConfigWatcher, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("config source is required")
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("config target is required")
	}

	file, err := filepath.Abs(cfg.Source.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Source.Path(), err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors commonly replace files by rename, which drops a watch on the
	// file itself, so the directory is watched instead.
	if err := fsWatcher.Add(filepath.Dir(file)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch path %s: %w", filepath.Dir(file), err)
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &ConfigWatcher{
		fsWatcher:     fsWatcher,
		source:        cfg.Source,
		target:        cfg.Target,
		logger:        log.WithComponent(cfg.Logger, "config-watcher"),
		file:          file,
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Debug("watching mcp configuration", "path", file)
	return w, nil
}

// Reloads returns how many reloads have been applied.
func (w *ConfigWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *ConfigWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", log.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *ConfigWatcher) reload() {
	w.mu.Lock()
	w.pending = nil
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	changed, err := w.source.Reload()
	if err != nil {
		w.logger.Error("configuration reload failed, keeping previous configuration", log.Error(err))
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	if len(changed) == 0 {
		w.logger.Debug("configuration reloaded without server changes")
		return
	}

	w.logger.Info("configuration changed", "servers", changed)
	if err := w.target.ApplyConfig(w.ctx, changed); err != nil {
		w.logger.Error("failed to apply configuration", log.Error(err))
	}
}

// Close stops watching and waits for an in-flight reload to finish.
func (w *ConfigWatcher) Close() error {
	w.mu.Lock()
	w.cancel()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
