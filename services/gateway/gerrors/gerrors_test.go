// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExplicitClassification(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, ClassTransient, ClassOf(Transient(base)))
	assert.Equal(t, ClassPermanent, ClassOf(Permanent(base)))
	assert.Equal(t, ClassCapacity, ClassOf(Capacity(base)))
	assert.Equal(t, ClassCritical, ClassOf(Critical(base)))
}

func TestClassSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Capacity(errors.New("queue full")))
	assert.Equal(t, ClassCapacity, ClassOf(err))
	assert.False(t, IsRetryable(err))
}

func TestNetworkErrorsAreTransient(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassOf(syscall.ECONNREFUSED))
	assert.Equal(t, ClassTransient, ClassOf(context.DeadlineExceeded))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(Transient(errors.New("timeout"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.True(t, IsRetryable(Critical(errors.New("disk"))))
	assert.False(t, IsRetryable(Permanent(errors.New("bad payload"))))
	assert.False(t, IsRetryable(nil))
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassifyHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, ClassTransient, ClassifyHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, ClassPermanent, ClassifyHTTPStatus(http.StatusBadRequest))
	assert.Equal(t, ClassPermanent, ClassifyHTTPStatus(http.StatusUnprocessableEntity))
	assert.Equal(t, ClassUnknown, ClassifyHTTPStatus(http.StatusOK))
}

func TestNilPassthrough(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Capacity(nil))
	assert.Nil(t, Critical(nil))
}
