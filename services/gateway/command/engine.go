// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/edgegate/edgegate/pkg/backoff"
	"github.com/edgegate/edgegate/pkg/scheduler"
	"github.com/edgegate/edgegate/services/gateway/gerrors"
)

// Executor runs one command. Implementations are registered per command
// type; an executor must be safe for concurrent use.
type Executor interface {
	// Execute runs the command and returns an optional result document.
	// A permanent error fails the command immediately regardless of its
	// retry budget.
	Execute(ctx context.Context, cmd *Command) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cmd *Command) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd *Command) (json.RawMessage, error) {
	return f(ctx, cmd)
}

// ErrNoExecutor is returned when a command's type has no registered
// executor. Such commands fail permanently.
var ErrNoExecutor = errors.New("no executor registered for command type")

// EngineConfig tunes the processing engine.
type EngineConfig struct {
	// Interval between dispatch ticks. Default: 1s.
	Interval time.Duration

	// MaxConcurrent caps simultaneously executing commands. Default: 5.
	MaxConcurrent int

	// ExecTimeout bounds one execution attempt. Default: 60s.
	ExecTimeout time.Duration

	// RetryBackoff schedules failed commands for re-dispatch. Default:
	// base 5s, multiplier 2, max 5m.
	RetryBackoff backoff.Policy

	// SweepInterval between expiry sweeps. Default: 30s.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Engine dispatches ready commands from the queue to registered executors.
//
// The engine guarantees at-most-one concurrent execution per command: a
// command id enters the executing set before its status is persisted as
// EXECUTING, and overlapping ticks skip ids already in the set. Failed
// commands with retry budget left are re-queued as SCHEDULED with an
// exponential backoff delay; expiry always wins, an expired command is
// never re-scheduled.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	cfg    EngineConfig
	queue  *Queue
	logger *slog.Logger

	dispatch *scheduler.Runner
	sweeper  *scheduler.Runner
	wg       sync.WaitGroup

	mu        sync.Mutex
	executors map[string]Executor
	executing map[string]struct{}
}

// NewEngine wires the engine to a queue.
func NewEngine(cfg EngineConfig, queue *Queue) (*Engine, error) {
	if queue == nil {
		return nil, errors.New("queue must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}
	if cfg.RetryBackoff == (backoff.Policy{}) {
		cfg.RetryBackoff = backoff.Policy{Base: 5 * time.Second, Multiplier: 2, Max: 5 * time.Minute}
	}
	if err := cfg.RetryBackoff.Validate(); err != nil {
		return nil, fmt.Errorf("retry backoff: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		queue:     queue,
		logger:    cfg.Logger,
		executors: make(map[string]Executor),
		executing: make(map[string]struct{}),
	}

	dispatch, err := scheduler.NewRunner("command-dispatch", cfg.Interval, e.Tick, cfg.Logger)
	if err != nil {
		return nil, err
	}
	sweeper, err := scheduler.NewRunner("command-expiry-sweep", cfg.SweepInterval, e.sweep, cfg.Logger)
	if err != nil {
		return nil, err
	}
	e.dispatch = dispatch
	e.sweeper = sweeper
	return e, nil
}

// Register binds an executor to a command type, replacing any previous
// binding.
func (e *Engine) Register(cmdType string, exec Executor) {
	e.mu.Lock()
	e.executors[cmdType] = exec
	e.mu.Unlock()
}

// Start begins dispatch and expiry sweep cycles.
func (e *Engine) Start() {
	e.dispatch.Start()
	e.sweeper.Start()
}

// Stop halts both runners and waits for in-flight executions to finish.
func (e *Engine) Stop() {
	e.dispatch.Stop()
	e.sweeper.Stop()
	e.wg.Wait()
}

// Executing returns the number of commands currently executing.
func (e *Engine) Executing() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executing)
}

// Tick runs one dispatch cycle, launching ready commands up to the free
// concurrency slots.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	slots := e.cfg.MaxConcurrent - len(e.executing)
	e.mu.Unlock()
	if slots <= 0 {
		return
	}

	ready, err := e.queue.GetReadyCommands(ctx, slots*2)
	if err != nil {
		e.logger.Error("list ready commands failed", "error", err)
		return
	}

	for i := range ready {
		if slots <= 0 {
			return
		}
		cmd := ready[i]
		if !e.claim(cmd.ID) {
			continue
		}
		slots--

		e.wg.Add(1)
		// Executions run to completion even if the ticker stops mid-run.
		go e.run(context.WithoutCancel(ctx), cmd)
	}
}

// claim adds the id to the executing set, refusing ids already present.
func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.executing[id]; busy {
		return false
	}
	e.executing[id] = struct{}{}
	executingGauge.Set(float64(len(e.executing)))
	return true
}

func (e *Engine) unclaim(id string) {
	e.mu.Lock()
	delete(e.executing, id)
	executingGauge.Set(float64(len(e.executing)))
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, cmd Command) {
	defer e.wg.Done()
	defer e.unclaim(cmd.ID)

	ctx, span := otel.Tracer("edgegate/command").Start(ctx, "command.execute")
	span.SetAttributes(
		attribute.String("command.id", cmd.ID),
		attribute.String("command.type", cmd.Type),
		attribute.Int("command.retry_count", cmd.RetryCount),
	)
	defer span.End()

	now := time.Now().UTC()
	updated, err := e.queue.Update(ctx, cmd.ID, func(c *Command) error {
		if !c.Ready(now) {
			return fmt.Errorf("%w: command %s is %s", ErrInvalidTransition, c.ID, c.Status)
		}
		c.Status = StatusExecuting
		c.ExecutedAt = &now
		return nil
	})
	if err != nil {
		// Another actor (cancel, expiry sweep) got there first.
		e.logger.Debug("command no longer dispatchable", "id", cmd.ID, "error", err)
		return
	}

	e.mu.Lock()
	exec, ok := e.executors[updated.Type]
	e.mu.Unlock()

	var result json.RawMessage
	var execErr error
	if !ok {
		execErr = gerrors.Permanentf("%s: %q", ErrNoExecutor, updated.Type)
	} else {
		execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
		start := time.Now()
		result, execErr = exec.Execute(execCtx, updated)
		executionDuration.Observe(time.Since(start).Seconds())
		cancel()
	}

	if execErr == nil {
		e.complete(ctx, updated.ID, result)
		executionsTotal.WithLabelValues(updated.Type, "success").Inc()
		return
	}
	e.fail(ctx, updated, execErr)
}

func (e *Engine) complete(ctx context.Context, id string, result json.RawMessage) {
	done := time.Now().UTC()
	_, err := e.queue.Update(ctx, id, func(c *Command) error {
		c.Status = StatusCompleted
		c.CompletedAt = &done
		c.Result = result
		c.LastError = ""
		return nil
	})
	if err != nil {
		e.logger.Error("persist command completion failed", "id", id, "error", err)
	}
}

// fail applies the failure policy: a permanent error or an exhausted retry
// budget lands the command in terminal FAILED; otherwise the command goes
// back to SCHEDULED with an exponential backoff delay, clamped to its
// expiry so a retry is never scheduled past the point it could run.
func (e *Engine) fail(ctx context.Context, cmd *Command, execErr error) {
	retryable := gerrors.IsRetryable(execErr) && cmd.RetryCount < cmd.MaxRetries
	now := time.Now().UTC()

	_, err := e.queue.Update(ctx, cmd.ID, func(c *Command) error {
		c.RetryCount++
		c.LastError = execErr.Error()
		if !retryable || !c.ExpiresAt.After(now) {
			c.Status = StatusFailed
			c.CompletedAt = &now
			return nil
		}
		delay := e.cfg.RetryBackoff.Delay(c.RetryCount)
		next := now.Add(delay)
		if next.After(c.ExpiresAt) {
			next = c.ExpiresAt
		}
		c.Status = StatusScheduled
		c.ScheduledAt = &next
		return nil
	})
	if err != nil {
		e.logger.Error("persist command failure failed", "id", cmd.ID, "error", err)
		return
	}

	if retryable {
		executionsTotal.WithLabelValues(cmd.Type, "retry").Inc()
		e.logger.Warn("command failed, retry scheduled",
			"id", cmd.ID,
			"type", cmd.Type,
			"attempt", cmd.RetryCount+1,
			"error", execErr,
		)
	} else {
		executionsTotal.WithLabelValues(cmd.Type, "failure").Inc()
		e.logger.Error("command failed terminally",
			"id", cmd.ID,
			"type", cmd.Type,
			"attempts", cmd.RetryCount+1,
			"error", execErr,
		)
	}
}

func (e *Engine) sweep(ctx context.Context) {
	if _, err := e.queue.ExpireSweep(ctx); err != nil {
		e.logger.Error("expiry sweep failed", "error", err)
	}
}
