// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package singleton enforces one server per data directory.
//
// Two artifacts live under the data dir: the pid file, which advertises
// the bound address and process id of the running server, and the start
// lock, an exclusive-create marker that keeps two processes from racing
// through startup at the same time. A start lock older than the
// staleness window is presumed abandoned by a crashed starter and is
// stolen.
package singleton

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// StartLockStaleAfter is how old an existing start lock must be before a
// new starter may steal it.
const StartLockStaleAfter = 30 * time.Second

// EnvSkipLock bypasses the start lock entirely. Test harnesses spawning
// servers in throwaway data dirs set it.
const EnvSkipLock = "WORKFORCE_SKIP_LOCK"

var (
	// ErrStartInProgress means another process holds a fresh start lock.
	ErrStartInProgress = errors.New("another server start is in progress")

	// ErrAlreadyRunning means a live server owns the pid file.
	ErrAlreadyRunning = errors.New("server already running")
)

// Guard manages the pid file and start lock for one data directory.
type Guard struct {
	pidPath  string
	lockPath string
	now      func() time.Time
}

// New creates a guard rooted at dataDir.
func New(dataDir string) *Guard {
	return &Guard{
		pidPath:  filepath.Join(dataDir, "server.pid"),
		lockPath: filepath.Join(dataDir, "server.lock"),
		now:      time.Now,
	}
}

// PIDPath returns the pid file path.
func (g *Guard) PIDPath() string { return g.pidPath }

// AcquireStartLock takes the exclusive start lock. A fresh lock held by
// someone else returns ErrStartInProgress; a stale one is stolen.
// Honors EnvSkipLock.
func (g *Guard) AcquireStartLock() error {
	if os.Getenv(EnvSkipLock) != "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.lockPath), 0o755); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(g.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating start lock: %w", err)
		}
		info, statErr := os.Stat(g.lockPath)
		if statErr != nil {
			// Holder released between our open and stat; retry.
			continue
		}
		if g.now().Sub(info.ModTime()) < StartLockStaleAfter {
			return ErrStartInProgress
		}
		// Stale lock from a crashed starter.
		os.Remove(g.lockPath)
	}
	return ErrStartInProgress
}

// ReleaseStartLock removes the start lock. Honors EnvSkipLock.
func (g *Guard) ReleaseStartLock() {
	if os.Getenv(EnvSkipLock) != "" {
		return
	}
	os.Remove(g.lockPath)
}

// WritePIDFile records the bound address and this process id:
//
//	host:port
//	pid
func (g *Guard) WritePIDFile(host string, port int) error {
	if err := os.MkdirAll(filepath.Dir(g.pidPath), 0o755); err != nil {
		return fmt.Errorf("creating pid file dir: %w", err)
	}
	content := fmt.Sprintf("%s:%d\n%d\n", host, port, os.Getpid())
	if err := os.WriteFile(g.pidPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPIDFile parses the pid file.
func (g *Guard) ReadPIDFile() (host string, port, pid int, err error) {
	data, err := os.ReadFile(g.pidPath)
	if err != nil {
		return "", 0, 0, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return "", 0, 0, fmt.Errorf("malformed pid file %s", g.pidPath)
	}
	addr := strings.TrimSpace(lines[0])
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, 0, fmt.Errorf("malformed address %q in pid file", addr)
	}
	host = addr[:idx]
	port, err = strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed port in pid file: %w", err)
	}
	pid, err = strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed pid in pid file: %w", err)
	}
	return host, port, pid, nil
}

// RemovePIDFile deletes the pid file.
func (g *Guard) RemovePIDFile() {
	os.Remove(g.pidPath)
}

// CheckRunning returns ErrAlreadyRunning with the recorded address when
// a live process owns the pid file. A pid file for a dead process is
// cleaned up silently.
func (g *Guard) CheckRunning() error {
	host, port, pid, err := g.ReadPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Unreadable pid file; treat as stale.
		g.RemovePIDFile()
		return nil
	}
	if processAlive(pid) {
		return fmt.Errorf("%w at %s:%d (pid %d)", ErrAlreadyRunning, host, port, pid)
	}
	g.RemovePIDFile()
	return nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
