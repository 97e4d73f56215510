// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recordsEnqueued counts records accepted into the buffer.
	// Labels: table
	recordsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "records_enqueued_total",
		Help:      "Records accepted into the durable buffer",
	}, []string{"table"})

	// recordsRejected counts admission rejections.
	// Labels: reason (disk, memory, records)
	recordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "records_rejected_total",
		Help:      "Enqueue attempts rejected by admission control",
	}, []string{"reason"})

	// recordsRemoved counts deletions by cause.
	// Labels: reason (delivered, expired, retry_exhausted, evicted)
	recordsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "records_removed_total",
		Help:      "Records removed from the durable buffer",
	}, []string{"reason"})

	// bufferedRecords is the current record count across all tables.
	bufferedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "records",
		Help:      "Records currently held in the durable buffer",
	})

	// diskUsedPercent is the latest disk usage measurement.
	diskUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "disk_used_percent",
		Help:      "Disk usage of the filesystem holding the buffer",
	})

	// diskAlerts counts threshold crossings.
	// Labels: severity (warning, critical)
	diskAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "disk_alerts_total",
		Help:      "Disk usage threshold alerts",
	}, []string{"severity"})

	// admissionThrottle is the current graduated throttle percentage.
	admissionThrottle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "admission_throttle_percent",
		Help:      "Current admission throttle percentage (0 when healthy)",
	})

	// retentionRuns counts retention cycles by outcome.
	// Labels: status (ok, error)
	retentionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "buffer",
		Name:      "retention_runs_total",
		Help:      "Retention manager cycles",
	}, []string{"status"})
)
