// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxLogSize is the rotation threshold for workspace event logs.
const DefaultMaxLogSize = 10 << 20 // 10 MiB

// Log is an append-only JSONL record of every event a workspace emitted.
// When the file grows past maxSize it is rotated aside to <path>.N using
// the smallest free N, and a fresh file is started.
type Log struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	now     func() time.Time
}

type logLine struct {
	Timestamp string         `json:"timestamp"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload"`
}

// NewLog creates an event log at path. maxSize <= 0 selects the default
// rotation threshold.
func NewLog(path string, maxSize int64) (*Log, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	return &Log{path: path, maxSize: maxSize, now: time.Now}, nil
}

// Path returns the active log file path.
func (l *Log) Path() string { return l.path }

// Append writes one event as a JSON line, rotating first if the file is
// already past the size threshold.
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if info, err := os.Stat(l.path); err == nil && info.Size() >= l.maxSize {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	line, err := json.Marshal(logLine{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Type:      ev.Type,
		Payload:   ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// rotateLocked moves the active file aside to <path>.N where N is the
// smallest integer not already taken.
func (l *Log) rotateLocked() error {
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d", l.path, n)
		if _, err := os.Stat(candidate); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("probing rotation slot: %w", err)
		}
		if err := os.Rename(l.path, candidate); err != nil {
			return fmt.Errorf("rotating event log: %w", err)
		}
		return nil
	}
}
