// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package buffer implements the gateway's local durable telemetry buffer:
// admission control, disk monitoring, the Badger-backed record store, and
// the retention manager.
//
// Telemetry flows through this package before anything touches the network:
//
//	ingest → AdmissionController gate → Store → (uplink drains) → Remove
//
// Records are deleted only after a confirmed successful uplink delivery or
// by the RetentionManager's age/retry/emergency rules. That discipline is
// what gives the gateway at-least-once semantics.
package buffer

import (
	"encoding/json"
	"time"
)

// Priority bounds. Lower numeric value is serviced first.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// ClampPriority forces a priority into [PriorityHighest, PriorityLowest].
func ClampPriority(p int) int {
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// Record is one buffered telemetry record.
//
// Records are immutable once written except for RetryCount and LastError,
// which the uplink pipeline updates after failed deliveries.
type Record struct {
	// ID is assigned by the store and is monotonically increasing in
	// enqueue order across all tables.
	ID uint64 `json:"id"`

	// TableName groups records for batching; batches never mix tables.
	TableName string `json:"table_name"`

	// Payload is the opaque record body as received from the agent.
	Payload json.RawMessage `json:"payload"`

	// Priority is 1 (highest) to 5 (lowest).
	Priority int `json:"priority"`

	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// DiskStats is a point-in-time view of the monitored filesystem.
type DiskStats struct {
	UsedPercent float64
	FreeBytes   uint64
	TotalBytes  uint64
}

// MemStats is a point-in-time view of memory pressure.
type MemStats struct {
	// UsedPercent is system memory utilization.
	UsedPercent float64

	// ProcessRSS is this process's resident set size in bytes.
	ProcessRSS uint64
}

// MetricsSnapshot is the resource picture an admission decision was based
// on. It is computed fresh on every write attempt and never persisted.
type MetricsSnapshot struct {
	DiskUsedPercent   float64 `json:"disk_used_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	RecordCount       int64   `json:"record_count"`
	ThrottlePercent   float64 `json:"throttle_percent"`
}

// Decision is the outcome of one admission evaluation.
type Decision struct {
	ShouldWarn   bool
	ShouldReject bool
	Reason       string
	Metrics      MetricsSnapshot
}
