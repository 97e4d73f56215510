// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelaySchedule(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Multiplier: 2, Max: 5 * time.Second}
	require.NoError(t, p.Validate())

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
}

func TestDelayCapped(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2, Max: 8 * time.Second}

	// The cap holds no matter how large the attempt number gets.
	assert.Equal(t, 8*time.Second, p.Delay(5))
	assert.Equal(t, 8*time.Second, p.Delay(50))
	assert.Equal(t, 8*time.Second, p.Delay(500))
}

func TestDelayAttemptClamp(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2, Max: time.Minute}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestDelayOverflow(t *testing.T) {
	p := Policy{Base: time.Hour, Multiplier: 10, Max: 0}

	// Huge attempt counts must not wrap negative.
	assert.Positive(t, p.Delay(100))
}

func TestValidate(t *testing.T) {
	assert.Error(t, Policy{Base: 0, Multiplier: 2}.Validate())
	assert.Error(t, Policy{Base: time.Second, Multiplier: 0.5}.Validate())
	assert.NoError(t, Policy{Base: time.Second, Multiplier: 1}.Validate())
}

func TestExhausted(t *testing.T) {
	assert.True(t, Exhausted(1, 0))
	assert.False(t, Exhausted(2, 2))
	assert.True(t, Exhausted(3, 2))
}
