// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package distribution fans policy documents out to agent and organization
// targets, tracking per-target delivery state and retrying each target
// independently.
package distribution

import (
	"encoding/json"
	"time"
)

// Method selects the delivery transport for one target. MethodBoth sends
// over both transports; the target counts as delivered when at least one
// succeeds.
type Method string

const (
	MethodWebsocket Method = "websocket"
	MethodRest      Method = "rest"
	MethodBoth      Method = "both"
)

// TargetType distinguishes agent and organization fan-out.
type TargetType string

const (
	TargetAgent        TargetType = "agent"
	TargetOrganization TargetType = "organization"
)

// Target is one delivery destination.
type Target struct {
	ID   string     `json:"id"`
	Type TargetType `json:"type"`
}

// DeliveryStatus tracks one target through delivery.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryAcknowledged DeliveryStatus = "acknowledged"
)

// JobStatus is a distribution job's overall state.
type JobStatus string

const (
	JobInProgress         JobStatus = "IN_PROGRESS"
	JobCompleted          JobStatus = "COMPLETED"
	JobPartiallyCompleted JobStatus = "PARTIALLY_COMPLETED"
	JobFailed             JobStatus = "FAILED"
	JobCancelled          JobStatus = "CANCELLED"
)

// Terminal reports whether the job status admits no further transitions
// short of an explicit operator retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartiallyCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// DeliveryDetail is the per-target delivery record.
type DeliveryDetail struct {
	TargetID      string         `json:"target_id"`
	TargetType    TargetType     `json:"target_type"`
	Method        Method         `json:"method"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	LatencyMillis int64          `json:"latency_ms,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
}

// Progress aggregates per-target state. successful+failed+pending equals
// TotalTargets at every observation point; a pending count covers both
// never-attempted and retry-eligible targets.
type Progress struct {
	TotalTargets int              `json:"total_targets"`
	Successful   int              `json:"successful"`
	Failed       int              `json:"failed"`
	Pending      int              `json:"pending"`
	Details      []DeliveryDetail `json:"delivery_details"`
}

// Policy is the document being distributed, supplied by the policy
// versioning service.
type Policy struct {
	ID       string          `json:"id" validate:"required"`
	Version  string          `json:"version" validate:"required"`
	Document json.RawMessage `json:"document" validate:"required"`
}

// Options tunes one distribution request.
type Options struct {
	// Method forces a transport for every target. Empty selects per
	// target: websocket when the control channel is connected, else rest.
	Method Method `json:"method,omitempty" validate:"omitempty,oneof=websocket rest both"`

	// MaxAttempts per target. Zero uses the engine default.
	MaxAttempts int `json:"max_attempts,omitempty" validate:"gte=0,lte=10"`

	// Priority runs 1 (highest) to 5; jobs are driven in priority order.
	Priority int `json:"priority,omitempty" validate:"gte=0,lte=5"`
}

// Job is one distribution fan-out.
type Job struct {
	ID            string     `json:"id"`
	PolicyID      string     `json:"policy_id"`
	PolicyVersion string     `json:"policy_version"`
	Priority      int        `json:"priority"`
	Status        JobStatus  `json:"status"`
	MaxAttempts   int        `json:"max_attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Progress      Progress   `json:"progress"`
}

// clone returns a deep copy safe to hand to callers.
func (j *Job) clone() *Job {
	out := *j
	out.Progress.Details = make([]DeliveryDetail, len(j.Progress.Details))
	copy(out.Progress.Details, j.Progress.Details)
	return &out
}

// Envelope is what a deliverer transmits for one target.
type Envelope struct {
	JobID         string          `json:"job_id"`
	PolicyID      string          `json:"policy_id"`
	PolicyVersion string          `json:"policy_version"`
	Target        Target          `json:"target"`
	Document      json.RawMessage `json:"document"`
}
