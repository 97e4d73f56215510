// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler provides the periodic task runner used by every
// tick-driven subsystem in the gateway (retention, batch draining, command
// processing, heartbeats, distribution progression).
//
// Each component owns its Runner and starts/stops it as part of its own
// lifecycle, so tick behavior is unit-testable by calling the task directly.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is a single tick of periodic work. The context is cancelled when the
// runner stops; long-running tasks should honor it.
type Task func(ctx context.Context)

// Runner invokes a Task at a fixed interval until stopped.
//
// Thread Safety: Safe for concurrent use. Start and Stop are idempotent.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	logger   *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewRunner creates a runner. The runner does nothing until Start is called.
//
// Inputs:
//
//	name - Identifies the runner in logs.
//	interval - Tick interval. Must be positive.
//	task - Work to run each tick. Must not be nil.
//	logger - Optional; defaults to slog.Default().
//
// Outputs:
//
//	*Runner - The runner.
//	error - Non-nil if inputs are invalid.
func NewRunner(name string, interval time.Duration, task Task, logger *slog.Logger) (*Runner, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if task == nil {
		return nil, errors.New("task must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
	}, nil
}

// Start begins ticking. Calling Start on a running runner is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true
	go r.run(r.stopCh, r.doneCh)
	r.logger.Debug("runner started", "runner", r.name, "interval", r.interval)
}

// Stop halts ticking and waits for an in-progress tick to finish.
// Calling Stop on a stopped runner is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.running = false
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
	r.logger.Debug("runner stopped", "runner", r.name)
}

// Running reports whether the runner is currently started.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.safeTick(ctx)
		}
	}
}

// safeTick runs one tick, converting a panic into a logged error so a bad
// tick cannot take down the whole gateway.
func (r *Runner) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("runner tick panicked", "runner", r.name, "panic", rec)
		}
	}()
	r.task(ctx)
}
