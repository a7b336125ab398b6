// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry multiplexes workspaces: one engine per workfile,
// created on demand, addressed by a stable id derived from the absolute
// workfile path.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
	"github.com/workforce-sh/workforce/services/workspace/engine"
	"github.com/workforce-sh/workforce/services/workspace/events"
	"github.com/workforce-sh/workforce/services/workspace/hub"
	"github.com/workforce-sh/workforce/services/workspace/observability"
	"github.com/workforce-sh/workforce/services/workspace/store"
)

var (
	// ErrNotFound means no workspace with that id is open.
	ErrNotFound = errors.New("workspace not found")

	// ErrActiveRun refuses to tear down a workspace mid-run.
	ErrActiveRun = errors.New("workspace has an active run")
)

// WorkspaceID derives the stable id for a workfile path: the first 16
// hex characters of the SHA-256 of the absolute path. Two registrations
// of the same file always land on the same workspace.
func WorkspaceID(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving workfile path: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16], nil
}

// Registry owns the open workspaces.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*engine.Engine

	hub      *hub.Hub
	dataDir  string
	cacheDir string
	eventLog *events.Log
	logger   *slog.Logger
}

// New creates a registry. dataDir holds per-workspace event logs,
// cacheDir holds request sidecars; either may be empty to use the
// platform defaults.
func New(h *hub.Hub, dataDir, cacheDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	if cacheDir == "" {
		cacheDir = DefaultCacheDir()
	}
	eventLog, err := events.NewLog(DefaultEventLogPath(), 0)
	if err != nil {
		logger.Warn("event log unavailable, events will not persist", "error", err)
		eventLog = nil
	}
	return &Registry{
		engines:  make(map[string]*engine.Engine),
		hub:      h,
		dataDir:  dataDir,
		cacheDir: cacheDir,
		eventLog: eventLog,
		logger:   logger,
	}
}

// CacheDir returns the registry's cache root.
func (r *Registry) CacheDir() string { return r.cacheDir }

// GetOrCreate returns the workspace for a workfile path, opening it on
// first use. Opening wires the event log, the bus, the hub room, and
// starts the mutation worker.
func (r *Registry) GetOrCreate(path string) (*engine.Engine, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving workfile path: %w", err)
	}
	id, err := WorkspaceID(abs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		return e, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("creating workfile dir: %w", err)
	}

	bus := events.NewBus(r.eventLog, r.logger)
	if r.hub != nil {
		r.hub.Attach(id, bus)
	}
	for _, t := range []events.Type{
		events.GraphUpdated, events.NodeReady, events.NodeStarted,
		events.NodeFinished, events.NodeFailed, events.RunComplete,
	} {
		t := t
		bus.Subscribe(t, func(events.Event) error {
			observability.EventsEmitted.WithLabelValues(string(t)).Inc()
			return nil
		})
	}
	bus.Subscribe(events.RunComplete, func(events.Event) error {
		observability.RunsCompleted.Inc()
		return nil
	})

	st := store.New(abs, nil)
	if _, err := st.Load(); err != nil {
		return nil, err
	}

	e := engine.New(id, st, bus, filepath.Join(r.cacheDir, id), r.logger)
	e.Start()
	r.engines[id] = e
	observability.OpenWorkspaces.Inc()
	r.logger.Info("workspace opened", "workspace_id", id, "workfile", abs)
	return e, nil
}

// Get returns an open workspace, or ErrNotFound.
func (r *Registry) Get(id string) (*engine.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		return e, nil
	}
	return nil, ErrNotFound
}

// Destroy closes a workspace and removes its request-sidecar cache.
// Unless force is set, an active run blocks the teardown.
func (r *Registry) Destroy(id string, force bool) error {
	r.mu.Lock()
	e, ok := r.engines[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if !force && e.HasActiveRun() {
		return ErrActiveRun
	}
	e.Close()
	r.mu.Lock()
	delete(r.engines, id)
	r.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(r.cacheDir, id)); err != nil {
		r.logger.Warn("cache dir removal failed", "workspace_id", id, "error", err)
	}
	observability.OpenWorkspaces.Dec()
	r.logger.Info("workspace closed", "workspace_id", id, "forced", force)
	return nil
}

// List snapshots the open workspaces, sorted by id for stable output.
func (r *Registry) List() []datatypes.WorkspaceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]datatypes.WorkspaceInfo, 0, len(r.engines))
	for id, e := range r.engines {
		clients := e.Clients()
		ids := make([]string, 0, len(clients))
		for cid := range clients {
			ids = append(ids, cid)
		}
		sort.Strings(ids)
		infos = append(infos, datatypes.WorkspaceInfo{
			WorkspaceID:  id,
			WorkfilePath: e.WorkfilePath(),
			ClientCount:  len(clients),
			Clients:      ids,
			CreatedAt:    e.CreatedAt().UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkspaceID < infos[j].WorkspaceID })
	return infos
}

// CloseAll shuts every workspace down. Used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	engines := make([]*engine.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[string]*engine.Engine)
	r.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
	observability.OpenWorkspaces.Sub(float64(len(engines)))
}
