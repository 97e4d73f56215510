// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gerrors defines the gateway-wide error taxonomy.
//
// Every failure in the gateway falls into one of four classes, and the class
// decides what happens next:
//
//   - Transient: network timeout, connection refused, 5xx, rate-limited.
//     Always retried with backoff up to a budget.
//   - Permanent: malformed input, 4xx other than 429, invalid schema.
//     Never retried; recorded as a terminal failure.
//   - Capacity: admission reject, queue full. Surfaced synchronously to the
//     caller, never silently buffered.
//   - Critical: disk at emergency threshold, store unavailable. Triggers
//     backpressure/eviction and escalates health to critical.
package gerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Class partitions gateway failures for retry and health decisions.
type Class int

const (
	// ClassUnknown is for errors that fit no other class. Treated as
	// transient so a bug never silently drops work.
	ClassUnknown Class = iota

	// ClassTransient errors are retried with backoff.
	ClassTransient

	// ClassPermanent errors are terminal and never retried.
	ClassPermanent

	// ClassCapacity errors are surfaced synchronously to the caller.
	ClassCapacity

	// ClassCritical errors escalate health to critical.
	ClassCritical
)

// String returns the lowercase class name used in metrics labels.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCapacity:
		return "capacity"
	case ClassCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// classified wraps an error with an explicit class.
type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// Permanent marks an error as terminal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, err: err}
}

// Capacity marks an error as a capacity rejection.
func Capacity(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassCapacity, err: err}
}

// Critical marks an error as a critical resource failure.
func Critical(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassCritical, err: err}
}

// Capacityf builds a capacity error from a format string.
func Capacityf(format string, args ...any) error {
	return Capacity(fmt.Errorf(format, args...))
}

// Permanentf builds a permanent error from a format string.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// ClassOf returns the class of err, inferring one for unwrapped errors.
//
// Explicit classification (via Transient/Permanent/Capacity/Critical) wins.
// Otherwise network-level failures (timeouts, refused connections, DNS
// errors, cancelled contexts at I/O boundaries) are treated as transient.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	if isNetworkTransient(err) {
		return ClassTransient
	}
	return ClassUnknown
}

// IsRetryable reports whether the error should be retried with backoff.
// Unknown errors are retryable so nothing is dropped on an unclassified path.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassPermanent, ClassCapacity:
		return false
	default:
		return err != nil
	}
}

// ClassifyHTTPStatus maps an HTTP response status to an error class.
// 429 and all 5xx are transient; every other 4xx is permanent.
func ClassifyHTTPStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
