// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backoff provides the single exponential backoff policy shared by
// the uplink client, the command processing engine, the control channel and
// the distribution engine.
//
// Every subsystem that retries uses the same formula:
//
//	delay(attempt) = min(Max, Base * Multiplier^(attempt-1))
//
// Keeping the policy in one place guarantees consistent retry semantics and
// makes the delay schedule testable without any I/O.
package backoff

import (
	"errors"
	"math"
	"time"
)

// Policy computes retry delays from attempt numbers.
//
// Attempt numbering starts at 1: Delay(1) == Base. A Policy is immutable and
// safe for concurrent use.
type Policy struct {
	// Base is the delay before the first retry. Must be positive.
	Base time.Duration

	// Multiplier is the exponential growth factor. Must be >= 1.
	Multiplier float64

	// Max caps the computed delay. Zero means no cap.
	Max time.Duration
}

// ErrInvalidPolicy is returned by Validate for unusable policies.
var ErrInvalidPolicy = errors.New("invalid backoff policy")

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return errors.Join(ErrInvalidPolicy, errors.New("base must be positive"))
	}
	if p.Multiplier < 1 {
		return errors.Join(ErrInvalidPolicy, errors.New("multiplier must be >= 1"))
	}
	if p.Max < 0 {
		return errors.Join(ErrInvalidPolicy, errors.New("max must be non-negative"))
	}
	return nil
}

// Delay returns the wait before the given retry attempt.
//
// Inputs:
//
//	attempt - 1-based retry attempt number. Values < 1 are treated as 1.
//
// Outputs:
//
//	time.Duration - min(Max, Base * Multiplier^(attempt-1)). Overflow is
//	clamped to Max (or math.MaxInt64 when Max is zero).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	if d > float64(math.MaxInt64) {
		if p.Max > 0 {
			return p.Max
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt exceeds the given budget.
// A budget of 0 means no retries at all.
func Exhausted(attempt, maxAttempts int) bool {
	return attempt > maxAttempts
}
