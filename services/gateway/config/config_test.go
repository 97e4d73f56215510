// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.EqualValues(t, 80, cfg.Thresholds.DiskWarningPercent)
	assert.EqualValues(t, 95, cfg.Thresholds.DiskCriticalPercent)
	assert.Equal(t, 5, cfg.UplinkMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EDGEGATE_DISK_WARNING_PERCENT", "70")
	t.Setenv("EDGEGATE_DISK_CRITICAL_PERCENT", "90")
	t.Setenv("EDGEGATE_BATCH_INTERVAL", "250ms")
	t.Setenv("EDGEGATE_COMMAND_MAX_CONCURRENT", "12")

	cfg, err := Load()
	require.NoError(t, err)
	assert.EqualValues(t, 70, cfg.Thresholds.DiskWarningPercent)
	assert.EqualValues(t, 90, cfg.Thresholds.DiskCriticalPercent)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchInterval)
	assert.Equal(t, 12, cfg.CommandMaxConcurrent)
}

func TestMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("EDGEGATE_BATCH_SIZE", "many")
	t.Setenv("EDGEGATE_UPLINK_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.UplinkTimeout)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	t.Setenv("EDGEGATE_DISK_WARNING_PERCENT", "96")
	t.Setenv("EDGEGATE_DISK_CRITICAL_PERCENT", "90")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsHalfTLS(t *testing.T) {
	t.Setenv("EDGEGATE_UPLINK_TLS_CERT", "/etc/ssl/cert.pem")

	_, err := Load()
	require.Error(t, err)
}

func writeThresholds(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestWatcherReloadsThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.json")
	initial := Thresholds{
		DiskWarningPercent:    80,
		DiskCriticalPercent:   95,
		MemoryCriticalPercent: 90,
		MaxBufferedRecords:    1000,
	}

	updates := make(chan Thresholds, 4)
	w, err := NewWatcher(path, initial, func(th Thresholds) { updates <- th }, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	writeThresholds(t, path, `{"disk_warning_percent": 75, "max_buffered_records": 5000}`)

	select {
	case th := <-updates:
		assert.EqualValues(t, 75, th.DiskWarningPercent)
		assert.EqualValues(t, 5000, th.MaxBufferedRecords)
		assert.EqualValues(t, 95, th.DiskCriticalPercent, "unspecified fields keep their values")
	case <-time.After(5 * time.Second):
		t.Fatal("threshold update never observed")
	}
	assert.EqualValues(t, 75, w.Current().DiskWarningPercent)
}

func TestWatcherRejectsInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.json")
	initial := Thresholds{
		DiskWarningPercent:    80,
		DiskCriticalPercent:   95,
		MemoryCriticalPercent: 90,
		MaxBufferedRecords:    1000,
	}

	w, err := NewWatcher(path, initial, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	// Warning above critical is rejected; the previous set stays active.
	writeThresholds(t, path, `{"disk_warning_percent": 99}`)
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 80, w.Current().DiskWarningPercent)
}
