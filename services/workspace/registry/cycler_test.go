// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCacheFile(t *testing.T, root, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestRunNowAgePass(t *testing.T) {
	root := t.TempDir()
	old := writeCacheFile(t, root, "ws1/old.json", 100, 48*time.Hour)
	fresh := writeCacheFile(t, root, "ws1/fresh.json", 100, time.Minute)

	c := NewCycler(root, CyclerConfig{MaxAge: 24 * time.Hour, MaxBytes: 1 << 20}, nil)
	result, err := c.RunNow()
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesRemoved)
	assert.Equal(t, int64(100), result.BytesFreed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestRunNowSizePassOldestFirst(t *testing.T) {
	root := t.TempDir()
	oldest := writeCacheFile(t, root, "a.json", 400, 3*time.Hour)
	middle := writeCacheFile(t, root, "b.json", 400, 2*time.Hour)
	newest := writeCacheFile(t, root, "c.json", 400, time.Hour)

	c := NewCycler(root, CyclerConfig{MaxAge: 24 * time.Hour, MaxBytes: 800}, nil)
	result, err := c.RunNow()
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesRemoved)
	assert.Equal(t, int64(800), result.BytesKept)
	assert.NoFileExists(t, oldest)
	assert.FileExists(t, middle)
	assert.FileExists(t, newest)
}

func TestRunNowMissingRoot(t *testing.T) {
	c := NewCycler(filepath.Join(t.TempDir(), "never-created"), DefaultCyclerConfig(), nil)
	result, err := c.RunNow()
	require.NoError(t, err)
	assert.Zero(t, result.FilesRemoved)
}

func TestCyclerStartStop(t *testing.T) {
	c := NewCycler(t.TempDir(), DefaultCyclerConfig(), nil)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()), "double start is rejected")
	c.Stop()
	c.Stop()

	require.NoError(t, c.Start(context.Background()), "a stopped cycler can start again")
	c.Stop()
}
