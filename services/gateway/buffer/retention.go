// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgegate/edgegate/pkg/scheduler"
	"github.com/edgegate/edgegate/services/gateway/storage"
)

// RetentionConfig tunes the periodic retention cycle.
type RetentionConfig struct {
	// Interval between retention cycles. Default: 5m.
	Interval time.Duration

	// MaxAge prunes records older than this. Default: 7 days.
	MaxAge time.Duration

	// MaxRetries prunes records whose retry count exceeded this budget.
	MaxRetries int

	// EmergencyDiskPercent triggers FIFO eviction at or above this disk
	// usage.
	EmergencyDiskPercent float64

	// EvictBatch is how many of the oldest records one emergency pass
	// removes. Default: 1000.
	EvictBatch int

	// GCDiscardRatio for the compaction step. Default: 0.5.
	GCDiscardRatio float64

	Logger *slog.Logger
}

// RetentionManager periodically prunes the buffer: emergency FIFO eviction
// under critical disk pressure, age-based pruning, retry-budget pruning, and
// store compaction. Each step is independently idempotent; a failing step is
// logged and the cycle continues; retention never stops the gateway.
type RetentionManager struct {
	cfg    RetentionConfig
	store  *Store
	disk   *DiskMonitor
	db     *storage.DB
	runner *scheduler.Runner
	logger *slog.Logger
}

// NewRetentionManager wires the manager to the buffer store and disk
// monitor. Call Start to begin cycles.
func NewRetentionManager(cfg RetentionConfig, store *Store, disk *DiskMonitor, db *storage.DB) (*RetentionManager, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.EvictBatch <= 0 {
		cfg.EvictBatch = 1000
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio > 1 {
		cfg.GCDiscardRatio = 0.5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &RetentionManager{cfg: cfg, store: store, disk: disk, db: db, logger: cfg.Logger}
	runner, err := scheduler.NewRunner("retention", cfg.Interval, m.RunCycle, cfg.Logger)
	if err != nil {
		return nil, err
	}
	m.runner = runner
	return m, nil
}

// Start begins periodic retention cycles.
func (m *RetentionManager) Start() { m.runner.Start() }

// Stop halts retention, waiting for an in-progress cycle.
func (m *RetentionManager) Stop() { m.runner.Stop() }

// RunCycle executes one full retention cycle. Exported so the scheduler tick
// is directly testable.
func (m *RetentionManager) RunCycle(ctx context.Context) {
	failed := false

	// Step 1: emergency FIFO eviction when disk is at the critical edge.
	if m.cfg.EmergencyDiskPercent > 0 {
		stats, err := m.disk.Refresh(ctx)
		switch {
		case err != nil:
			failed = true
			m.logger.Warn("retention disk probe failed", "error", err)
		case stats.UsedPercent >= m.cfg.EmergencyDiskPercent:
			evicted, err := m.store.EvictOldest(ctx, m.cfg.EvictBatch)
			if err != nil {
				failed = true
				m.logger.Error("emergency eviction failed", "error", err)
			} else {
				m.logger.Warn("emergency FIFO eviction",
					"evicted", evicted,
					"disk_used_percent", stats.UsedPercent,
					"threshold", m.cfg.EmergencyDiskPercent,
				)
			}
		}
	}

	// Step 2: age pruning.
	cutoff := time.Now().Add(-m.cfg.MaxAge)
	if pruned, err := m.store.PruneOlderThan(ctx, cutoff); err != nil {
		failed = true
		m.logger.Error("age pruning failed", "error", err)
	} else if pruned > 0 {
		m.logger.Info("pruned aged records", "pruned", pruned, "max_age", m.cfg.MaxAge)
	}

	// Step 3: retry-budget pruning.
	if pruned, err := m.store.PruneRetryExceeded(ctx, m.cfg.MaxRetries); err != nil {
		failed = true
		m.logger.Error("retry pruning failed", "error", err)
	} else if pruned > 0 {
		m.logger.Info("pruned retry-exhausted records", "pruned", pruned, "max_retries", m.cfg.MaxRetries)
	}

	// Step 4: compaction via value log GC.
	if err := m.db.RunGC(m.cfg.GCDiscardRatio); err != nil {
		failed = true
		m.logger.Warn("store compaction failed", "error", err)
	}

	if failed {
		retentionRuns.WithLabelValues("error").Inc()
	} else {
		retentionRuns.WithLabelValues("ok").Inc()
	}
}
