// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyAggregatorIsHealthy(t *testing.T) {
	a := NewAggregator()
	report := a.Report()
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
}

func TestWorstStatusWins(t *testing.T) {
	a := NewAggregator()
	a.Register(func() Check { return Check{Component: "buffer", Status: StatusHealthy} })
	a.Register(func() Check { return Check{Component: "control", Status: StatusWarning, Detail: "missed heartbeats"} })
	a.Register(func() Check { return Check{Component: "uplink", Status: StatusHealthy} })

	report := a.Report()
	assert.Equal(t, StatusWarning, report.Status)
	assert.Len(t, report.Checks, 3)

	a.Register(func() Check { return Check{Component: "disk", Status: StatusCritical, Detail: "96.2% used"} })
	assert.Equal(t, StatusCritical, a.Report().Status)
}

func TestChecksReflectLiveState(t *testing.T) {
	a := NewAggregator()
	state := StatusHealthy
	a.Register(func() Check { return Check{Component: "control", Status: state} })

	assert.Equal(t, StatusHealthy, a.Report().Status)
	state = StatusCritical
	assert.Equal(t, StatusCritical, a.Report().Status, "sources are polled per report")
}
