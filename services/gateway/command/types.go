// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package command implements the durable command queue and the processing
// engine that executes queued commands against pluggable executors.
//
// Commands arrive from the backend over the control channel (or REST) and
// wait in a priority-ordered, expiring Badger store until the engine picks
// them up. The engine enforces a concurrency cap, guarantees at-most-one
// concurrent execution per command, and applies retry-with-backoff or
// terminal failure per the command's retry budget.
package command

import (
	"encoding/json"
	"time"
)

// Status is a queued command's lifecycle state.
//
// Transitions form a DAG:
//
//	PENDING|SCHEDULED → EXECUTING → COMPLETED            (terminal)
//	                             → FAILED → SCHEDULED    (retries remain)
//	                                      → FAILED       (terminal)
//	any non-executing state      → CANCELLED             (terminal)
//	PENDING|SCHEDULED past expiry → EXPIRED              (terminal)
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Spec is a command submission. Validated before enqueue.
type Spec struct {
	Type          string          `json:"type" validate:"required,min=1,max=128"`
	TargetAgentID string          `json:"target_agent_id,omitempty" validate:"omitempty,max=128"`
	TargetOrgID   string          `json:"target_organization_id,omitempty" validate:"omitempty,max=128"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority" validate:"gte=0,lte=5"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	MaxRetries    *int            `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
}

// Command is one durable queued command.
type Command struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	TargetAgentID string          `json:"target_agent_id,omitempty"`
	TargetOrgID   string          `json:"target_organization_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	LastError     string          `json:"last_error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Ready reports whether the command is eligible for dispatch at t.
func (c *Command) Ready(t time.Time) bool {
	if !c.ExpiresAt.After(t) {
		return false
	}
	switch c.Status {
	case StatusPending:
		return true
	case StatusScheduled:
		return c.ScheduledAt == nil || !c.ScheduledAt.After(t)
	default:
		return false
	}
}
