// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// AdmissionConfig holds the warning/critical thresholds back-pressure runs
// on. Percent thresholds are 0-100; MaxRecords is a hard record-count cap.
type AdmissionConfig struct {
	DiskWarnPercent     float64
	DiskCriticalPercent float64

	MemWarnPercent     float64
	MemCriticalPercent float64

	// MaxRecords is the hard cap; reaching it rejects writes. The warning
	// level is RecordWarnFraction of the cap.
	MaxRecords int64

	// RecordWarnFraction defaults to 0.8.
	RecordWarnFraction float64
}

// maxThrottlePercent caps the graduated throttle.
const maxThrottlePercent = 50.0

// counter reports the current buffered record count. Implemented by *Store.
type counter interface {
	Count() int64
}

// AdmissionController combines disk usage, buffered record count and memory
// usage into an accept/warn/reject decision for new buffer writes.
//
// Decisions are computed fresh on every call and never persisted. Any single
// critical threshold breach forces rejection; between warning and critical a
// graduated throttle percentage is computed, linear from the warning
// threshold to twice the warning threshold and capped at 50%.
//
// Thread Safety: Safe for concurrent use.
type AdmissionController struct {
	mu     sync.RWMutex
	cfg    AdmissionConfig
	disk   *DiskMonitor
	probes Probes
	count  counter
	logger *slog.Logger
}

// NewAdmissionController wires the controller to its measurement sources.
//
// Inputs:
//
//	cfg - Thresholds. MaxRecords must be positive.
//	disk - Disk monitor supplying usage snapshots. Must not be nil.
//	probes - Memory probe source. Must not be nil.
//	count - Buffered record counter (the buffer store). Must not be nil.
//	logger - Optional.
func NewAdmissionController(cfg AdmissionConfig, disk *DiskMonitor, probes Probes, count counter, logger *slog.Logger) (*AdmissionController, error) {
	if cfg.MaxRecords <= 0 {
		return nil, fmt.Errorf("max records must be positive, got %d", cfg.MaxRecords)
	}
	if disk == nil || probes == nil || count == nil {
		return nil, fmt.Errorf("disk monitor, probes and counter are required")
	}
	if cfg.RecordWarnFraction <= 0 || cfg.RecordWarnFraction >= 1 {
		cfg.RecordWarnFraction = 0.8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionController{cfg: cfg, disk: disk, probes: probes, count: count, logger: logger}, nil
}

// UpdateThresholds replaces the admission thresholds at runtime (config
// hot reload). In-flight evaluations finish against the old set.
func (a *AdmissionController) UpdateThresholds(cfg AdmissionConfig) error {
	if cfg.MaxRecords <= 0 {
		return fmt.Errorf("max records must be positive, got %d", cfg.MaxRecords)
	}
	if cfg.RecordWarnFraction <= 0 || cfg.RecordWarnFraction >= 1 {
		cfg.RecordWarnFraction = 0.8
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.logger.Info("admission thresholds updated",
		"disk_warn", cfg.DiskWarnPercent,
		"disk_critical", cfg.DiskCriticalPercent,
		"max_records", cfg.MaxRecords,
	)
	return nil
}

// Evaluate computes an admission decision from current resource pressure.
//
// Outputs:
//
//	Decision - ShouldReject when any critical threshold is breached;
//	ShouldWarn (with a throttle percentage) between warning and critical.
//	error - Non-nil only if no measurement could be taken at all.
func (a *AdmissionController) Evaluate(ctx context.Context) (Decision, error) {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	diskStats, measuredAt := a.disk.Snapshot()
	if measuredAt.IsZero() {
		// No periodic measurement yet (startup). Probe on demand.
		var err error
		diskStats, err = a.disk.Refresh(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("disk probe: %w", err)
		}
	}

	memStats, err := a.probes.MemoryUsage(ctx)
	if err != nil {
		// Memory probe failure degrades to disk+count gating only.
		a.logger.Warn("memory probe failed, admission running without memory signal", "error", err)
		memStats = MemStats{}
	}

	records := a.count.Count()
	snap := MetricsSnapshot{
		DiskUsedPercent:   diskStats.UsedPercent,
		MemoryUsedPercent: memStats.UsedPercent,
		RecordCount:       records,
	}

	d := Decision{Metrics: snap}

	// Critical checks: any breach rejects.
	switch {
	case cfg.DiskCriticalPercent > 0 && diskStats.UsedPercent >= cfg.DiskCriticalPercent:
		d.ShouldReject = true
		d.Reason = fmt.Sprintf("disk usage %.1f%% at or above critical threshold %.1f%%",
			diskStats.UsedPercent, cfg.DiskCriticalPercent)
		recordsRejected.WithLabelValues("disk").Inc()
	case records >= cfg.MaxRecords:
		d.ShouldReject = true
		d.Reason = fmt.Sprintf("buffered records %d at or above cap %d", records, cfg.MaxRecords)
		recordsRejected.WithLabelValues("records").Inc()
	case cfg.MemCriticalPercent > 0 && memStats.UsedPercent >= cfg.MemCriticalPercent:
		d.ShouldReject = true
		d.Reason = fmt.Sprintf("memory usage %.1f%% at or above critical threshold %.1f%%",
			memStats.UsedPercent, cfg.MemCriticalPercent)
		recordsRejected.WithLabelValues("memory").Inc()
	}
	if d.ShouldReject {
		admissionThrottle.Set(maxThrottlePercent)
		d.Metrics.ThrottlePercent = maxThrottlePercent
		return d, nil
	}

	// Warning band: throttle grows linearly from the warning threshold to
	// twice the warning threshold, capped at 50%.
	throttle := 0.0
	reason := ""
	if t := throttleFor(diskStats.UsedPercent, cfg.DiskWarnPercent); t > throttle {
		throttle = t
		reason = fmt.Sprintf("disk usage %.1f%% above warning threshold %.1f%%",
			diskStats.UsedPercent, cfg.DiskWarnPercent)
	}
	if t := throttleFor(memStats.UsedPercent, cfg.MemWarnPercent); t > throttle {
		throttle = t
		reason = fmt.Sprintf("memory usage %.1f%% above warning threshold %.1f%%",
			memStats.UsedPercent, cfg.MemWarnPercent)
	}
	recordWarn := float64(cfg.MaxRecords) * cfg.RecordWarnFraction
	if t := throttleFor(float64(records), recordWarn); t > throttle {
		throttle = t
		reason = fmt.Sprintf("buffered records %d above warning level %.0f", records, recordWarn)
	}

	if throttle > 0 {
		d.ShouldWarn = true
		d.Reason = reason
		d.Metrics.ThrottlePercent = throttle
	}
	admissionThrottle.Set(throttle)
	return d, nil
}

// throttleFor maps a value in the [warn, 2*warn] band to a 0-50% throttle.
func throttleFor(value, warn float64) float64 {
	if warn <= 0 || value < warn {
		return 0
	}
	t := (value - warn) / warn * maxThrottlePercent
	if t > maxThrottlePercent {
		return maxThrottlePercent
	}
	return t
}
