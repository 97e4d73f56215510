// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/services/gateway/gerrors"
)

type fixedCount int64

func (c fixedCount) Count() int64 { return int64(c) }

func testAdmission(t *testing.T, probes Probes, count counter) *AdmissionController {
	t.Helper()
	monitor, err := NewDiskMonitor(DiskMonitorConfig{
		Path:            t.TempDir(),
		WarnPercent:     80,
		CriticalPercent: 95,
		Probes:          probes,
	})
	require.NoError(t, err)

	cfg := AdmissionConfig{
		DiskWarnPercent:     80,
		DiskCriticalPercent: 95,
		MemWarnPercent:      85,
		MemCriticalPercent:  97,
		MaxRecords:          1000,
	}
	a, err := NewAdmissionController(cfg, monitor, probes, count, nil)
	require.NoError(t, err)
	return a
}

func TestEvaluateHealthy(t *testing.T) {
	probes := StaticProbes{
		Disk: DiskStats{UsedPercent: 40},
		Mem:  MemStats{UsedPercent: 50},
	}
	a := testAdmission(t, probes, fixedCount(100))

	d, err := a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, d.ShouldWarn)
	assert.False(t, d.ShouldReject)
	assert.Zero(t, d.Metrics.ThrottlePercent)
}

// Admission monotonicity: everything below warning thresholds never warns
// or rejects; anything at or above a critical threshold always rejects.
func TestEvaluateMonotonicity(t *testing.T) {
	for _, diskPct := range []float64{0, 30, 79.9} {
		for _, memPct := range []float64{0, 50, 84.9} {
			probes := StaticProbes{
				Disk: DiskStats{UsedPercent: diskPct},
				Mem:  MemStats{UsedPercent: memPct},
			}
			a := testAdmission(t, probes, fixedCount(10))
			d, err := a.Evaluate(context.Background())
			require.NoError(t, err)
			assert.False(t, d.ShouldWarn, "disk=%v mem=%v", diskPct, memPct)
			assert.False(t, d.ShouldReject, "disk=%v mem=%v", diskPct, memPct)
		}
	}

	for _, diskPct := range []float64{95, 96, 100} {
		probes := StaticProbes{Disk: DiskStats{UsedPercent: diskPct}}
		a := testAdmission(t, probes, fixedCount(10))
		d, err := a.Evaluate(context.Background())
		require.NoError(t, err)
		assert.True(t, d.ShouldReject, "disk=%v", diskPct)
	}
}

func TestEvaluateWarningThrottle(t *testing.T) {
	// Disk at 90% with warn=80: throttle = (90-80)/80*50 = 6.25%.
	probes := StaticProbes{Disk: DiskStats{UsedPercent: 90}}
	a := testAdmission(t, probes, fixedCount(10))

	d, err := a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, d.ShouldWarn)
	assert.False(t, d.ShouldReject)
	assert.InDelta(t, 6.25, d.Metrics.ThrottlePercent, 0.01)
}

func TestThrottleCappedAtFifty(t *testing.T) {
	assert.InDelta(t, 50, throttleFor(240, 80), 0.001)
	assert.InDelta(t, 0, throttleFor(79, 80), 0.001)
	assert.InDelta(t, 50, throttleFor(160, 80), 0.001)
}

func TestRecordCapRejects(t *testing.T) {
	probes := StaticProbes{Disk: DiskStats{UsedPercent: 10}}
	a := testAdmission(t, probes, fixedCount(1000))

	d, err := a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, d.ShouldReject)
	assert.Contains(t, d.Reason, "cap")
}

// Scenario from the reliability review: buffer at 96% with the critical
// disk threshold configured at 95%: enqueue returns a capacity error and
// writes nothing.
func TestEnqueueRejectedAtCriticalDisk(t *testing.T) {
	store, _ := newTestStore(t)
	probes := StaticProbes{Disk: DiskStats{UsedPercent: 96}}
	a := testAdmission(t, probes, store)
	store.SetAdmission(a)

	_, err := store.Enqueue(context.Background(), "metrics",
		[]json.RawMessage{json.RawMessage(`{"v":1}`)}, 1)
	require.Error(t, err)
	assert.Equal(t, gerrors.ClassCapacity, gerrors.ClassOf(err))
	assert.EqualValues(t, 0, store.Count())

	got, err := store.Dequeue(context.Background(), "metrics", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnqueueWarnsButAccepts(t *testing.T) {
	store, _ := newTestStore(t)
	probes := StaticProbes{Disk: DiskStats{UsedPercent: 85}}
	a := testAdmission(t, probes, store)
	store.SetAdmission(a)

	recs, err := store.Enqueue(context.Background(), "metrics",
		[]json.RawMessage{json.RawMessage(`{"v":1}`)}, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDiskMonitorSnapshot(t *testing.T) {
	probes := StaticProbes{Disk: DiskStats{UsedPercent: 42, FreeBytes: 100, TotalBytes: 200}}
	monitor, err := NewDiskMonitor(DiskMonitorConfig{
		Path:   t.TempDir(),
		Probes: probes,
	})
	require.NoError(t, err)

	_, measured := monitor.Snapshot()
	assert.True(t, measured.IsZero())

	stats, err := monitor.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, stats.UsedPercent)

	stats, measured = monitor.Snapshot()
	assert.Equal(t, 42.0, stats.UsedPercent)
	assert.WithinDuration(t, time.Now(), measured, time.Minute)
}
