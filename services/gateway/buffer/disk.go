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
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgegate/edgegate/pkg/scheduler"
)

// DiskMonitorConfig configures the periodic disk usage monitor.
type DiskMonitorConfig struct {
	// Path is the directory whose filesystem is monitored (the buffer's
	// storage directory).
	Path string

	// Interval between measurements. Default: 30s.
	Interval time.Duration

	// WarnPercent raises a warning alert at or above this usage.
	WarnPercent float64

	// CriticalPercent raises a critical alert at or above this usage.
	CriticalPercent float64

	// Probes supplies measurements. Default: SystemProbes.
	Probes Probes

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DiskMonitor periodically measures storage consumption under the buffer
// path and keeps the latest snapshot available to admission control.
//
// Thread Safety: Safe for concurrent use.
type DiskMonitor struct {
	cfg    DiskMonitorConfig
	runner *scheduler.Runner
	logger *slog.Logger

	sf singleflight.Group

	mu       sync.RWMutex
	last     DiskStats
	lastErr  error
	measured time.Time
}

// NewDiskMonitor creates a monitor. Call Start to begin periodic probing;
// until the first measurement Snapshot returns zero stats and callers should
// Refresh on demand.
func NewDiskMonitor(cfg DiskMonitorConfig) (*DiskMonitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Probes == nil {
		cfg.Probes = SystemProbes{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &DiskMonitor{cfg: cfg, logger: cfg.Logger}
	runner, err := scheduler.NewRunner("disk-monitor", cfg.Interval, func(ctx context.Context) {
		if _, err := m.Refresh(ctx); err != nil {
			m.logger.Warn("disk usage probe failed", "path", cfg.Path, "error", err)
		}
	}, cfg.Logger)
	if err != nil {
		return nil, err
	}
	m.runner = runner
	return m, nil
}

// Start begins periodic measurement.
func (m *DiskMonitor) Start() { m.runner.Start() }

// Stop halts periodic measurement.
func (m *DiskMonitor) Stop() { m.runner.Stop() }

// Snapshot returns the most recent measurement and when it was taken.
func (m *DiskMonitor) Snapshot() (DiskStats, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.measured
}

// Refresh measures disk usage now. Concurrent callers share one probe via
// singleflight; all receive the same result.
func (m *DiskMonitor) Refresh(ctx context.Context) (DiskStats, error) {
	v, err, _ := m.sf.Do("disk", func() (any, error) {
		stats, err := m.cfg.Probes.DiskUsage(ctx, m.cfg.Path)
		m.record(stats, err)
		return stats, err
	})
	if err != nil {
		return DiskStats{}, err
	}
	return v.(DiskStats), nil
}

func (m *DiskMonitor) record(stats DiskStats, err error) {
	m.mu.Lock()
	prev := m.last
	if err == nil {
		m.last = stats
		m.measured = time.Now()
	}
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		return
	}

	diskUsedPercent.Set(stats.UsedPercent)

	switch {
	case stats.UsedPercent >= m.cfg.CriticalPercent && m.cfg.CriticalPercent > 0:
		diskAlerts.WithLabelValues("critical").Inc()
		m.logger.Error("disk usage critical",
			"path", m.cfg.Path,
			"used_percent", stats.UsedPercent,
			"threshold", m.cfg.CriticalPercent,
		)
	case stats.UsedPercent >= m.cfg.WarnPercent && m.cfg.WarnPercent > 0:
		// Only log the warning on a threshold crossing, not every tick.
		if prev.UsedPercent < m.cfg.WarnPercent {
			diskAlerts.WithLabelValues("warning").Inc()
			m.logger.Warn("disk usage above warning threshold",
				"path", m.cfg.Path,
				"used_percent", stats.UsedPercent,
				"threshold", m.cfg.WarnPercent,
			)
		}
	}
}
