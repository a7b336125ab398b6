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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// CyclerConfig holds configuration for the cache cycler.
//
// # Description
//
// The cycler prunes the request sidecar cache in two passes: first every
// file older than MaxAge goes, then, oldest first, files go until the
// total size is back under MaxBytes.
//
// # Fields
//
//   - Interval: How often to run a cycle. Default: 1 hour.
//   - MaxAge: Age past which a cache file is always removed. Default: 7 days.
//   - MaxBytes: Total cache size ceiling. Default: 256 MiB.
type CyclerConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
	MaxBytes int64
}

// DefaultCyclerConfig returns production defaults for the cache cycler.
func DefaultCyclerConfig() CyclerConfig {
	return CyclerConfig{
		Interval: 1 * time.Hour,
		MaxAge:   7 * 24 * time.Hour,
		MaxBytes: 256 << 20,
	}
}

// CycleResult summarizes one pruning pass.
type CycleResult struct {
	FilesRemoved int
	BytesFreed   int64
	BytesKept    int64
}

// Cycler prunes a cache directory on a schedule. Uses the ticker plus
// done channel pattern for graceful shutdown.
type Cycler struct {
	root   string
	config CyclerConfig
	logger *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewCycler creates a cycler over the given cache root.
func NewCycler(root string, config CyclerConfig, logger *slog.Logger) *Cycler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cycler{root: root, config: config, logger: logger, done: make(chan struct{})}
}

// Start launches the background pruning loop. Returns an error when the
// cycler is already running.
func (c *Cycler) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("cache cycler is already running")
	}
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("cache cycler starting", "root", c.root,
		"interval", c.config.Interval.String(), "max_age", c.config.MaxAge.String(),
		"max_bytes", c.config.MaxBytes)
	go c.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit. Safe to call more than once.
func (c *Cycler) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	close(c.done)
	c.running = false
}

func (c *Cycler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.cycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.cycle()
		}
	}
}

func (c *Cycler) cycle() {
	result, err := c.RunNow()
	if err != nil {
		c.logger.Error("cache cycle failed", "error", err)
		return
	}
	if result.FilesRemoved > 0 {
		c.logger.Info("cache cycle completed", "files_removed", result.FilesRemoved,
			"bytes_freed", result.BytesFreed, "bytes_kept", result.BytesKept)
	} else {
		c.logger.Debug("cache cycle completed (nothing to prune)")
	}
}

type cacheFile struct {
	path    string
	size    int64
	modTime time.Time
}

// RunNow prunes immediately: age pass first, then size pass oldest
// first.
func (c *Cycler) RunNow() (CycleResult, error) {
	var result CycleResult
	var files []cacheFile

	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, cacheFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walking cache root %s: %w", c.root, err)
	}

	cutoff := time.Now().Add(-c.config.MaxAge)
	var kept []cacheFile
	for _, f := range files {
		if f.modTime.Before(cutoff) {
			if err := os.Remove(f.path); err != nil {
				c.logger.Warn("cache prune failed", "path", f.path, "error", err)
				kept = append(kept, f)
				continue
			}
			result.FilesRemoved++
			result.BytesFreed += f.size
			continue
		}
		kept = append(kept, f)
	}

	var total int64
	for _, f := range kept {
		total += f.size
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
	for _, f := range kept {
		if total <= c.config.MaxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			c.logger.Warn("cache prune failed", "path", f.path, "error", err)
			continue
		}
		result.FilesRemoved++
		result.BytesFreed += f.size
		total -= f.size
	}
	result.BytesKept = total
	return result, nil
}
