// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health aggregates per-component status into the gateway's
// overall healthy/warning/critical verdict. Operators see statuses and
// counters, never raw errors.
package health

import (
	"sync"
	"time"
)

// Status is a component or aggregate health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// rank orders statuses for worst-of aggregation.
func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// Check is one component's current health.
type Check struct {
	Component string `json:"component"`
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Report is the aggregate served by the /health endpoint.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

// Source produces a component's current health check.
type Source func() Check

// Aggregator collects registered sources and reports the worst status.
//
// Thread Safety: Safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	sources []Source
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Register adds a health source. Sources are polled on every Report call.
func (a *Aggregator) Register(src Source) {
	a.mu.Lock()
	a.sources = append(a.sources, src)
	a.mu.Unlock()
}

// Report polls every source and aggregates to the worst observed status.
// An aggregator with no sources reports healthy.
func (a *Aggregator) Report() Report {
	a.mu.Lock()
	sources := make([]Source, len(a.sources))
	copy(sources, a.sources)
	a.mu.Unlock()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make([]Check, 0, len(sources)),
		Timestamp: time.Now().UTC(),
	}
	for _, src := range sources {
		check := src()
		report.Checks = append(report.Checks, check)
		if check.Status.rank() > report.Status.rank() {
			report.Status = check.Status
		}
	}
	return report
}
