// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/pkg/backoff"
	"github.com/edgegate/edgegate/services/gateway/gerrors"
)

func testEngine(t *testing.T, q *Queue) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		Interval:      time.Hour, // ticks are driven manually in tests
		MaxConcurrent: 4,
		ExecTimeout:   5 * time.Second,
		RetryBackoff:  backoff.Policy{Base: time.Millisecond, Multiplier: 2, Max: 10 * time.Millisecond},
		SweepInterval: time.Hour,
	}, q)
	require.NoError(t, err)
	return e
}

// tickUntil drives manual ticks until pred holds or the deadline passes.
func tickUntil(t *testing.T, e *Engine, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.Tick(context.Background())
		e.wg.Wait()
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func status(t *testing.T, q *Queue, id string) Status {
	t.Helper()
	cmd, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	return cmd.Status
}

func TestExecuteSuccess(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e := testEngine(t, q)
	e.Register("ping", ExecutorFunc(func(ctx context.Context, cmd *Command) (json.RawMessage, error) {
		return json.RawMessage(`{"pong":true}`), nil
	}))

	cmd, err := q.Enqueue(context.Background(), Spec{Type: "ping", Priority: 3})
	require.NoError(t, err)

	tickUntil(t, e, func() bool { return status(t, q, cmd.ID) == StatusCompleted })

	got, err := q.Get(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(got.Result))
	assert.NotNil(t, got.ExecutedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.EqualValues(t, 0, q.Live())
}

// A command with maxRetries=2 executes exactly three times before landing
// in terminal FAILED.
func TestRetryBound(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e := testEngine(t, q)

	var attempts atomic.Int32
	e.Register("flaky", ExecutorFunc(func(ctx context.Context, cmd *Command) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, gerrors.Transient(errors.New("downstream unavailable"))
	}))

	two := 2
	cmd, err := q.Enqueue(context.Background(), Spec{Type: "flaky", Priority: 3, MaxRetries: &two})
	require.NoError(t, err)

	tickUntil(t, e, func() bool { return status(t, q, cmd.ID) == StatusFailed })
	assert.EqualValues(t, 3, attempts.Load(), "maxRetries=2 allows exactly 3 executions")

	got, err := q.Get(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, "downstream unavailable")
}

func TestZeroRetriesFailsAfterOneAttempt(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e := testEngine(t, q)

	var attempts atomic.Int32
	e.Register("fragile", ExecutorFunc(func(ctx context.Context, cmd *Command) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, gerrors.Transient(errors.New("boom"))
	}))

	zero := 0
	cmd, err := q.Enqueue(context.Background(), Spec{Type: "fragile", Priority: 3, MaxRetries: &zero})
	require.NoError(t, err)

	tickUntil(t, e, func() bool { return status(t, q, cmd.ID) == StatusFailed })
	assert.EqualValues(t, 1, attempts.Load())
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e := testEngine(t, q)

	var attempts atomic.Int32
	e.Register("bad", ExecutorFunc(func(ctx context.Context, cmd *Command) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, gerrors.Permanentf("unsupported payload")
	}))

	five := 5
	cmd, err := q.Enqueue(context.Background(), Spec{Type: "bad", Priority: 3, MaxRetries: &five})
	require.NoError(t, err)

	tickUntil(t, e, func() bool { return status(t, q, cmd.ID) == StatusFailed })
	assert.EqualValues(t, 1, attempts.Load(), "permanent errors must not consume the retry budget")
}

func TestUnregisteredTypeFails(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e := testEngine(t, q)

	cmd, err := q.Enqueue(context.Background(), Spec{Type: "mystery", Priority: 3})
	require.NoError(t, err)

	tickUntil(t, e, func() bool { return status(t, q, cmd.ID) == StatusFailed })

	got, err := q.Get(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "no executor registered")
}

// Concurrent ticks over the same ready set must dispatch each command at
// most once.
func TestNoDoubleDispatch(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e := testEngine(t, q)

	release := make(chan struct{})
	var started atomic.Int32
	e.Register("slow", ExecutorFunc(func(ctx context.Context, cmd *Command) (json.RawMessage, error) {
		started.Add(1)
		<-release
		return nil, nil
	}))

	cmd, err := q.Enqueue(context.Background(), Spec{Type: "slow", Priority: 3})
	require.NoError(t, err)

	var ticks sync.WaitGroup
	for i := 0; i < 8; i++ {
		ticks.Add(1)
		go func() {
			defer ticks.Done()
			e.Tick(context.Background())
		}()
	}
	ticks.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	e.wg.Wait()

	assert.EqualValues(t, 1, started.Load(), "a command must execute at most once concurrently")
	assert.Equal(t, StatusCompleted, status(t, q, cmd.ID))
}

func TestConcurrencyCap(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e, err := NewEngine(EngineConfig{
		Interval:      time.Hour,
		MaxConcurrent: 2,
		RetryBackoff:  backoff.Policy{Base: time.Millisecond, Multiplier: 2, Max: 10 * time.Millisecond},
	}, q)
	require.NoError(t, err)

	release := make(chan struct{})
	var inflight, peak atomic.Int32
	e.Register("slow", ExecutorFunc(func(ctx context.Context, cmd *Command) (json.RawMessage, error) {
		cur := inflight.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		<-release
		inflight.Add(-1)
		return nil, nil
	}))

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(context.Background(), Spec{Type: "slow", Priority: 3})
		require.NoError(t, err)
	}

	e.Tick(context.Background())
	e.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, e.Executing())
	close(release)
	e.wg.Wait()

	tickUntil(t, e, func() bool { return q.Live() == 0 })
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

// A retry is never scheduled past the command's expiry; once expired the
// sweep moves it to EXPIRED, not back into rotation.
func TestExpiryWinsOverRetry(t *testing.T) {
	q := testQueue(t, QueueConfig{})
	e := testEngine(t, q)

	e.Register("flaky", ExecutorFunc(func(ctx context.Context, cmd *Command) (json.RawMessage, error) {
		return nil, gerrors.Transient(errors.New("nope"))
	}))

	soon := time.Now().Add(60 * time.Millisecond)
	ten := 10
	cmd, err := q.Enqueue(context.Background(), Spec{
		Type: "flaky", Priority: 3, ExpiresAt: &soon, MaxRetries: &ten,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.Tick(context.Background())
		e.wg.Wait()
		e.sweep(context.Background())
		s := status(t, q, cmd.ID)
		if s == StatusExpired || s == StatusFailed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := q.Get(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusExpired, StatusFailed}, got.Status)
	assert.NotEqual(t, StatusScheduled, got.Status, "expired commands must leave the retry loop")
}
