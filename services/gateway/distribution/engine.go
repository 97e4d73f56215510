// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edgegate/edgegate/pkg/backoff"
	"github.com/edgegate/edgegate/pkg/scheduler"
	"github.com/edgegate/edgegate/services/gateway/gerrors"
)

// ErrJobNotFound is returned for lookups of unknown job ids.
var ErrJobNotFound = errors.New("distribution job not found")

// ErrJobNotCancellable is returned when cancelling a terminal job.
var ErrJobNotCancellable = errors.New("job cannot be cancelled")

// Config tunes the distribution engine.
type Config struct {
	// Interval between driver ticks. Default: 2s.
	Interval time.Duration

	// MaxConcurrentDeliveries caps in-flight delivery attempts across all
	// jobs. Default: 8.
	MaxConcurrentDeliveries int

	// DefaultMaxAttempts per target when the request carries none.
	// Default: 3.
	DefaultMaxAttempts int

	// DeliveryTimeout bounds one delivery attempt. Default: 15s.
	DeliveryTimeout time.Duration

	// RetryBackoff schedules per-target retries. Default: base 2s,
	// multiplier 2, max 60s.
	RetryBackoff backoff.Policy

	// Connected reports control channel connectivity for automatic method
	// selection. Nil means never connected.
	Connected func() bool

	Logger *slog.Logger
}

// Engine owns the job store and drives deliveries.
//
// All job and detail mutation funnels through applyResult and the other
// locked mutators, which is what keeps successful+failed+pending equal to
// totalTargets at every observation point. The active set keyed by
// (job, target) guarantees at-most-one concurrent delivery per target even
// when consecutive ticks observe the same pending detail.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	runner   *scheduler.Runner

	sem chan struct{}
	wg  sync.WaitGroup

	mu         sync.Mutex
	jobs       map[string]*Job
	policies   map[string]Policy
	order      []string
	active     map[string]struct{} // "jobID|targetID"
	nextRetry  map[string]time.Time
	deliverers map[Method]Deliverer
}

// NewEngine builds the engine. Deliverers are registered per method before
// Start.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxConcurrentDeliveries <= 0 {
		cfg.MaxConcurrentDeliveries = 8
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	if cfg.RetryBackoff == (backoff.Policy{}) {
		cfg.RetryBackoff = backoff.Policy{Base: 2 * time.Second, Multiplier: 2, Max: 60 * time.Second}
	}
	if err := cfg.RetryBackoff.Validate(); err != nil {
		return nil, fmt.Errorf("retry backoff: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:        cfg,
		logger:     cfg.Logger,
		validate:   validator.New(),
		sem:        make(chan struct{}, cfg.MaxConcurrentDeliveries),
		jobs:       make(map[string]*Job),
		policies:   make(map[string]Policy),
		active:     make(map[string]struct{}),
		nextRetry:  make(map[string]time.Time),
		deliverers: make(map[Method]Deliverer),
	}
	runner, err := scheduler.NewRunner("distribution-driver", cfg.Interval, e.Tick, cfg.Logger)
	if err != nil {
		return nil, err
	}
	e.runner = runner
	return e, nil
}

// RegisterDeliverer binds a transport to a method, replacing any previous
// binding.
func (e *Engine) RegisterDeliverer(m Method, d Deliverer) {
	e.mu.Lock()
	e.deliverers[m] = d
	e.mu.Unlock()
}

// Start begins periodic driver ticks.
func (e *Engine) Start() { e.runner.Start() }

// Stop halts the driver and waits for in-flight deliveries to finish.
func (e *Engine) Stop() {
	e.runner.Stop()
	e.wg.Wait()
}

// Distribute validates the request and creates a job with one delivery
// detail per target. The job is driven by subsequent ticks.
func (e *Engine) Distribute(policy Policy, targets []Target, opts Options) (*Job, error) {
	if err := e.validate.Struct(policy); err != nil {
		return nil, gerrors.Permanentf("invalid policy: %v", err)
	}
	if err := e.validate.Struct(opts); err != nil {
		return nil, gerrors.Permanentf("invalid options: %v", err)
	}
	if len(targets) == 0 {
		return nil, gerrors.Permanentf("distribution requires at least one target")
	}
	for i, tgt := range targets {
		if tgt.ID == "" {
			return nil, gerrors.Permanentf("target %d has no id", i)
		}
		if tgt.Type != TargetAgent && tgt.Type != TargetOrganization {
			return nil, gerrors.Permanentf("target %s has unknown type %q", tgt.ID, tgt.Type)
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.DefaultMaxAttempts
	}
	priority := opts.Priority
	if priority < 1 {
		priority = 3
	} else if priority > 5 {
		priority = 5
	}

	connected := e.cfg.Connected != nil && e.cfg.Connected()
	details := make([]DeliveryDetail, len(targets))
	for i, tgt := range targets {
		method := opts.Method
		if method == "" {
			if connected {
				method = MethodWebsocket
			} else {
				method = MethodRest
			}
		}
		details[i] = DeliveryDetail{
			TargetID:   tgt.ID,
			TargetType: tgt.Type,
			Method:     method,
			Status:     DeliveryPending,
		}
	}

	job := &Job{
		ID:            uuid.New().String(),
		PolicyID:      policy.ID,
		PolicyVersion: policy.Version,
		Priority:      priority,
		Status:        JobInProgress,
		MaxAttempts:   maxAttempts,
		CreatedAt:     time.Now().UTC(),
		Progress: Progress{
			TotalTargets: len(targets),
			Pending:      len(targets),
			Details:      details,
		},
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.policies[job.ID] = policy
	e.order = append(e.order, job.ID)
	activeJobs.Inc()
	snapshot := job.clone()
	e.mu.Unlock()

	e.logger.Info("distribution job created",
		"job_id", job.ID,
		"policy_id", policy.ID,
		"policy_version", policy.Version,
		"targets", len(targets),
	)
	return snapshot, nil
}

// Job returns a snapshot of one job.
func (e *Engine) Job(id string) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.clone(), nil
}

// Jobs returns snapshots of all jobs in creation order.
func (e *Engine) Jobs() []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Job, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.jobs[id].clone())
	}
	return out
}

// CancelJob stops further dispatch for a job. Deliveries already in flight
// run to completion; waiting targets stay pending but are never attempted.
func (e *Engine) CancelJob(id string) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCancellable, id, job.Status)
	}
	job.Status = JobCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	activeJobs.Dec()
	jobsFinished.WithLabelValues(string(JobCancelled)).Inc()
	return job.clone(), nil
}

// RetryFailedDeliveries resets every terminally failed target back to
// pending with a fresh attempt budget and puts the job back in progress.
func (e *Engine) RetryFailedDeliveries(id string) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	reset := 0
	for i := range job.Progress.Details {
		d := &job.Progress.Details[i]
		if d.Status != DeliveryFailed {
			continue
		}
		d.Status = DeliveryPending
		d.Attempts = 0
		d.LastError = ""
		delete(e.nextRetry, deliveryKey(job.ID, d.TargetID))
		reset++
	}
	if reset > 0 {
		job.Progress.Failed -= reset
		job.Progress.Pending += reset
		if job.Status.Terminal() {
			activeJobs.Inc()
		}
		job.Status = JobInProgress
		job.CompletedAt = nil
		e.logger.Info("failed deliveries reset", "job_id", id, "count", reset)
	}
	return job.clone(), nil
}

// Acknowledge records a target's receipt confirmation, refining its
// delivered detail to acknowledged. Acks arrive over the control channel
// and may land after the job is already terminal; the progress counters do
// not change (an acknowledged target remains counted as successful).
func (e *Engine) Acknowledge(jobID, targetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	for i := range job.Progress.Details {
		d := &job.Progress.Details[i]
		if d.TargetID != targetID {
			continue
		}
		switch d.Status {
		case DeliveryAcknowledged:
			return nil // duplicate ack
		case DeliveryDelivered:
			d.Status = DeliveryAcknowledged
			return nil
		default:
			return fmt.Errorf("target %s in job %s is %s, not delivered", targetID, jobID, d.Status)
		}
	}
	return fmt.Errorf("job %s has no target %s", jobID, targetID)
}

// Tick runs one driver cycle: jobs in priority order, eligible targets up
// to the global concurrency cap.
func (e *Engine) Tick(ctx context.Context) {
	now := time.Now().UTC()

	e.mu.Lock()
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	sort.SliceStable(ids, func(a, b int) bool {
		return e.jobs[ids[a]].Priority < e.jobs[ids[b]].Priority
	})

	type dispatch struct {
		jobID  string
		target string
		method Method
		env    Envelope
	}
	var launches []dispatch
	for _, id := range ids {
		job := e.jobs[id]
		if job.Status != JobInProgress {
			continue
		}
		policy := e.policies[id]
		for i := range job.Progress.Details {
			d := &job.Progress.Details[i]
			if d.Status != DeliveryPending {
				continue
			}
			key := deliveryKey(job.ID, d.TargetID)
			if _, busy := e.active[key]; busy {
				continue
			}
			if at, ok := e.nextRetry[key]; ok && now.Before(at) {
				continue
			}
			launches = append(launches, dispatch{
				jobID:  job.ID,
				target: d.TargetID,
				method: d.Method,
				env: Envelope{
					JobID:         job.ID,
					PolicyID:      policy.ID,
					PolicyVersion: policy.Version,
					Target:        Target{ID: d.TargetID, Type: d.TargetType},
					Document:      policy.Document,
				},
			})
		}
	}
	e.mu.Unlock()

	for _, l := range launches {
		select {
		case e.sem <- struct{}{}:
		default:
			return // concurrency cap reached; remaining targets wait a cycle
		}
		if !e.claim(l.jobID, l.target) {
			<-e.sem
			continue
		}
		e.wg.Add(1)
		// Attempts run to completion even if the ticker stops.
		go e.attempt(context.WithoutCancel(ctx), l.jobID, l.target, l.method, l.env)
	}
}

func (e *Engine) claim(jobID, targetID string) bool {
	key := deliveryKey(jobID, targetID)
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok || job.Status != JobInProgress {
		return false
	}
	if _, busy := e.active[key]; busy {
		return false
	}
	e.active[key] = struct{}{}
	return true
}

func (e *Engine) attempt(ctx context.Context, jobID, targetID string, method Method, env Envelope) {
	defer e.wg.Done()
	defer func() { <-e.sem }()
	defer func() {
		e.mu.Lock()
		delete(e.active, deliveryKey(jobID, targetID))
		e.mu.Unlock()
	}()

	activeDeliveries.Inc()
	defer activeDeliveries.Dec()

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	var err error
	if method == MethodBoth {
		err = e.deliverBoth(attemptCtx, env)
	} else {
		err = e.deliverVia(attemptCtx, method, env)
	}
	cancel()
	latency := time.Since(start)
	deliveryLatency.Observe(latency.Seconds())

	e.applyResult(jobID, targetID, method, err, latency)
}

func (e *Engine) deliverVia(ctx context.Context, method Method, env Envelope) error {
	e.mu.Lock()
	d := e.deliverers[method]
	e.mu.Unlock()
	if d == nil {
		return gerrors.Permanentf("no deliverer registered for method %q", method)
	}
	return d.Deliver(ctx, env)
}

// deliverBoth sends over both transports. The target is delivered when at
// least one succeeds; a combined failure stays retryable as long as either
// side failed transiently.
func (e *Engine) deliverBoth(ctx context.Context, env Envelope) error {
	wsErr := e.deliverVia(ctx, MethodWebsocket, env)
	restErr := e.deliverVia(ctx, MethodRest, env)
	if wsErr == nil || restErr == nil {
		return nil
	}
	combined := fmt.Errorf("websocket: %v; rest: %v", wsErr, restErr)
	if gerrors.IsRetryable(wsErr) || gerrors.IsRetryable(restErr) {
		return gerrors.Transient(combined)
	}
	return gerrors.Permanent(combined)
}

// applyResult is the single mutation point for delivery outcomes. It keeps
// the progress counters consistent with the detail states and finalizes
// the job when nothing remains pending.
func (e *Engine) applyResult(jobID, targetID string, method Method, err error, latency time.Duration) {
	now := time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return
	}
	var detail *DeliveryDetail
	for i := range job.Progress.Details {
		if job.Progress.Details[i].TargetID == targetID {
			detail = &job.Progress.Details[i]
			break
		}
	}
	if detail == nil || detail.Status != DeliveryPending {
		return
	}

	detail.Attempts++
	detail.LastAttemptAt = &now
	detail.LatencyMillis = latency.Milliseconds()
	key := deliveryKey(jobID, targetID)

	switch {
	case err == nil:
		detail.Status = DeliveryDelivered
		detail.LastError = ""
		job.Progress.Successful++
		job.Progress.Pending--
		delete(e.nextRetry, key)
		deliveriesTotal.WithLabelValues(string(method), "success").Inc()

	case !gerrors.IsRetryable(err) || detail.Attempts >= job.MaxAttempts:
		detail.Status = DeliveryFailed
		detail.LastError = err.Error()
		job.Progress.Failed++
		job.Progress.Pending--
		delete(e.nextRetry, key)
		deliveriesTotal.WithLabelValues(string(method), "failure").Inc()
		e.logger.Warn("delivery failed terminally",
			"job_id", jobID,
			"target_id", targetID,
			"attempts", detail.Attempts,
			"error", err,
		)

	default:
		// Stays pending; eligible again after the backoff window.
		detail.LastError = err.Error()
		e.nextRetry[key] = now.Add(e.cfg.RetryBackoff.Delay(detail.Attempts))
		deliveriesTotal.WithLabelValues(string(method), "retry").Inc()
	}

	if job.Status == JobInProgress && job.Progress.Pending == 0 {
		e.finalizeLocked(job, now)
	}
}

func (e *Engine) finalizeLocked(job *Job, now time.Time) {
	switch {
	case job.Progress.Successful == job.Progress.TotalTargets:
		job.Status = JobCompleted
	case job.Progress.Successful > 0:
		job.Status = JobPartiallyCompleted
	default:
		job.Status = JobFailed
	}
	job.CompletedAt = &now
	activeJobs.Dec()
	jobsFinished.WithLabelValues(string(job.Status)).Inc()
	e.logger.Info("distribution job finished",
		"job_id", job.ID,
		"status", job.Status,
		"successful", job.Progress.Successful,
		"failed", job.Progress.Failed,
	)
}

func deliveryKey(jobID, targetID string) string {
	return jobID + "|" + targetID
}
