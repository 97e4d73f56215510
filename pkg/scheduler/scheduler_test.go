// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerTicks(t *testing.T) {
	var ticks atomic.Int64
	r, err := NewRunner("test", 5*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	}, nil)
	require.NoError(t, err)

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 },
		time.Second, 5*time.Millisecond)
}

func TestRunnerStopWaitsForTick(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	r, err := NewRunner("test", time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
		default:
		}
	}, nil)
	require.NoError(t, err)

	r.Start()
	<-started
	r.Stop()

	assert.True(t, finished.Load(), "Stop must wait for the in-flight tick")
	assert.False(t, r.Running())
}

func TestRunnerStartStopIdempotent(t *testing.T) {
	r, err := NewRunner("test", time.Hour, func(ctx context.Context) {}, nil)
	require.NoError(t, err)

	r.Start()
	r.Start()
	assert.True(t, r.Running())

	r.Stop()
	r.Stop()
	assert.False(t, r.Running())

	// Restart after stop works.
	r.Start()
	assert.True(t, r.Running())
	r.Stop()
}

func TestRunnerRecoversPanic(t *testing.T) {
	var ticks atomic.Int64
	r, err := NewRunner("test", time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
		panic("boom")
	}, nil)
	require.NoError(t, err)

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 },
		time.Second, time.Millisecond)
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner("", time.Second, func(ctx context.Context) {}, nil)
	assert.Error(t, err)
	_, err = NewRunner("x", 0, func(ctx context.Context) {}, nil)
	assert.Error(t, err)
	_, err = NewRunner("x", time.Second, nil, nil)
	assert.Error(t, err)
}
