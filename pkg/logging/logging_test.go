// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestStderrOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelInfo, Service: "test", Stderr: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("hello", "key", "value")
	l.Slog().Debug("filtered out")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "key=value")
	assert.NotContains(t, out, "filtered out")
}

func TestFileOutputJSON(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelInfo, Service: "gw", LogDir: dir, Stderr: &buf})
	require.NoError(t, err)

	l.Slog().Warn("disk pressure", "used_percent", 91.5)
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "gw_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "disk pressure", rec["msg"])
	assert.Equal(t, "gw", rec["service"])
}

func TestCloseTwice(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{LogDir: dir, Stderr: &bytes.Buffer{}})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestBadLogDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	_, err := New(Config{LogDir: filepath.Join(file, "sub")})
	assert.Error(t, err)
}
