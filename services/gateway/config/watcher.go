// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads admission thresholds from a JSON file. Invalid or
// partially written files are ignored; the last good thresholds stay in
// effect.
//
// Thread Safety: Safe for concurrent use.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(Thresholds)

	watcher *fsnotify.Watcher
	doneCh  chan struct{}

	mu      sync.Mutex
	current Thresholds
	stopped bool
}

// NewWatcher loads the file once and begins watching its directory.
// onChange fires with every validated threshold set, including the initial
// load.
func NewWatcher(path string, initial Thresholds, onChange func(Thresholds), logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("thresholds file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	// Watching the directory survives editors that replace the file.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		watcher:  fsw,
		doneCh:   make(chan struct{}),
		current:  initial,
	}
	w.reload()

	go w.loop()
	return w, nil
}

// Current returns the thresholds in effect.
func (w *Watcher) Current() Thresholds {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching. Safe to call twice.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("thresholds watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("read thresholds file failed", "path", w.path, "error", err)
		}
		return
	}

	// Merge onto the current values so a file may override a subset.
	w.mu.Lock()
	next := w.current
	w.mu.Unlock()
	if err := json.Unmarshal(data, &next); err != nil {
		w.logger.Warn("parse thresholds file failed", "path", w.path, "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		w.logger.Warn("rejected thresholds update", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changed := next != w.current
	w.current = next
	w.mu.Unlock()
	if !changed {
		return
	}

	w.logger.Info("admission thresholds reloaded",
		"disk_warning", next.DiskWarningPercent,
		"disk_critical", next.DiskCriticalPercent,
		"memory_critical", next.MemoryCriticalPercent,
		"max_records", next.MaxBufferedRecords,
	)
	if w.onChange != nil {
		w.onChange(next)
	}
}
