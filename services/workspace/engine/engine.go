// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs one workspace: a mutation queue drained by a single
// worker goroutine, run bookkeeping, and the scheduler that advances the
// graph over blocking and non-blocking edges.
//
// All workfile writes for a workspace flow through its worker, which is
// the single-writer guarantee the rest of the system relies on. Handlers
// enqueue and return; effects surface as events.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
	"github.com/workforce-sh/workforce/services/workspace/events"
	"github.com/workforce-sh/workforce/services/workspace/store"
)

// Client types attached to a workspace.
const (
	ClientGUI    = "gui"
	ClientRunner = "runner"
)

// maxProcessedRequests bounds the idempotency window.
const maxProcessedRequests = 1000

var (
	// ErrBlockedCycle rejects a run whose blocking subgraph is cyclic.
	ErrBlockedCycle = errors.New("blocking edges form a cycle")

	// ErrRunUnknownNode rejects a subset run naming a missing node.
	ErrRunUnknownNode = errors.New("run selection names unknown node")

	// ErrDuplicateRequest acknowledges a request whose idempotency key
	// was already seen. Nothing was enqueued.
	ErrDuplicateRequest = errors.New("duplicate request")
)

// nodeReady tracks the NODE_READY lifecycle for one node.
type readyState int

const (
	readyQueued   readyState = iota // run status enqueued, not yet applied
	readyNotified                   // NODE_READY emitted, node not yet settled
)

// run is the bookkeeping for one pipeline execution.
type run struct {
	id         string
	nodes      map[string]bool
	subsetOnly bool
	startedAt  time.Time
}

// operation is one unit of work for the mutation worker.
type operation struct {
	name      string
	requestID string
	payload   any
	apply     func() error
	react     func()
}

// Engine is the runtime state of one workspace.
type Engine struct {
	workspaceID string
	store       *store.Store
	bus         *events.Bus
	queue       *queue
	logger      *slog.Logger
	cacheDir    string
	createdAt   time.Time

	mu            sync.Mutex
	clients       map[string]string // client id -> client type
	runs          map[string]*run
	activeNodeRun map[string]string // node id -> run id
	edgeRunMap    map[string]string // edge id -> run id
	ready         map[string]readyState
	processed     map[string]struct{}
	processedFIFO []string
	sidecarSeq    uint64

	lastMutation atomic.Int64 // unix nanos of the last worker write
	watcher      *fsnotify.Watcher
	done         chan struct{}
	stopped      sync.Once
}

// New creates a workspace engine. cacheDir receives request sidecars and
// may be empty to disable them. Call Start to launch the worker.
func New(workspaceID string, st *store.Store, bus *events.Bus, cacheDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		workspaceID:   workspaceID,
		store:         st,
		bus:           bus,
		queue:         newQueue(),
		logger:        logger.With("workspace_id", workspaceID),
		cacheDir:      cacheDir,
		createdAt:     time.Now(),
		clients:       make(map[string]string),
		runs:          make(map[string]*run),
		activeNodeRun: make(map[string]string),
		edgeRunMap:    make(map[string]string),
		ready:         make(map[string]readyState),
		processed:     make(map[string]struct{}),
		done:          make(chan struct{}),
	}
}

// WorkspaceID returns the stable workspace identifier.
func (e *Engine) WorkspaceID() string { return e.workspaceID }

// WorkfilePath returns the workfile path this engine owns.
func (e *Engine) WorkfilePath() string { return e.store.Path() }

// Store exposes the graph store for read-only handlers.
func (e *Engine) Store() *store.Store { return e.store }

// Bus exposes the workspace event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// CreatedAt returns the engine creation time.
func (e *Engine) CreatedAt() time.Time { return e.createdAt }

// Start launches the worker goroutine and the workfile watcher.
func (e *Engine) Start() {
	e.startWatcher()
	go e.workerLoop()
}

// Close shuts the engine down: no further enqueues, the queue drains,
// and the watcher stops. Safe to call more than once.
func (e *Engine) Close() {
	e.stopped.Do(func() {
		e.queue.Close()
		if e.watcher != nil {
			e.watcher.Close()
		}
		close(e.done)
	})
}

// =============================================================================
// Clients
// =============================================================================

// Connect attaches a client and returns its id (generated when empty).
func (e *Engine) Connect(clientType, clientID string) string {
	if clientType != ClientGUI && clientType != ClientRunner {
		clientType = ClientGUI
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	e.mu.Lock()
	e.clients[clientID] = clientType
	count := len(e.clients)
	e.mu.Unlock()
	e.logger.Info("client connected", "client_type", clientType, "client_id", clientID, "client_count", count)
	return clientID
}

// Disconnect detaches a client. Unknown ids are logged and ignored so a
// double disconnect can never drive the count negative.
func (e *Engine) Disconnect(clientID string) int {
	e.mu.Lock()
	_, known := e.clients[clientID]
	if known {
		delete(e.clients, clientID)
	}
	count := len(e.clients)
	e.mu.Unlock()
	if !known {
		e.logger.Warn("disconnect for unknown client", "client_id", clientID)
	}
	return count
}

// ClientCount returns the number of attached clients.
func (e *Engine) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// Clients returns the attached client ids with their types.
func (e *Engine) Clients() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.clients))
	for id, t := range e.clients {
		out[id] = t
	}
	return out
}

// =============================================================================
// Runs (read side)
// =============================================================================

// Runs returns a snapshot of active runs, joined against the current
// graph for status counts.
func (e *Engine) Runs() ([]datatypes.RunInfo, error) {
	g, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]datatypes.RunInfo, 0, len(e.runs))
	for _, r := range e.runs {
		info := datatypes.RunInfo{RunID: r.id, SubsetOnly: r.subsetOnly}
		for nodeID, runID := range e.activeNodeRun {
			if runID != r.id {
				continue
			}
			info.NodesTotal++
			if n := g.NodeByID(nodeID); n != nil {
				switch n.Status {
				case datatypes.NodeStatusRunning, datatypes.NodeStatusRun:
					info.NodesRunning++
				case datatypes.NodeStatusFail:
					info.NodesFailed++
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// HasActiveRun reports whether any run is still in flight.
func (e *Engine) HasActiveRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs) > 0
}

// =============================================================================
// Stop
// =============================================================================

// Stop kills the live processes of running nodes and marks them failed
// under their owning run, so RUN_COMPLETE reports them and a later
// resume can pick them up. Nodes still queued are cleared, pending edge
// completions dropped; run completion then falls out of the normal
// completion scan.
func (e *Engine) Stop() (datatypes.StopResult, error) {
	g, err := e.store.Load()
	if err != nil {
		return datatypes.StopResult{}, err
	}

	result := datatypes.StopResult{Killed: []int{}, Errors: []string{}, StoppedNodes: []string{}}
	for _, n := range g.Nodes {
		switch n.Status {
		case datatypes.NodeStatusRunning:
			if pid, err := strconv.Atoi(n.PID); err == nil && pid > 1 {
				if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("pid %d: %v", pid, err))
				} else {
					result.Killed = append(result.Killed, pid)
				}
			} else if n.PID != "" {
				result.Errors = append(result.Errors, fmt.Sprintf("node %s: unusable pid %q", n.ID, n.PID))
			}
			result.StoppedNodes = append(result.StoppedNodes, n.ID)
			e.mu.Lock()
			runID := e.activeNodeRun[n.ID]
			e.mu.Unlock()
			e.enqueueInternalStatus(datatypes.ElementNode, n.ID, string(datatypes.NodeStatusFail), runID)
		case datatypes.NodeStatusRun:
			result.StoppedNodes = append(result.StoppedNodes, n.ID)
			e.enqueueInternalStatus(datatypes.ElementNode, n.ID, "", "")
		}
	}
	for _, ed := range g.Edges {
		if ed.Status == datatypes.EdgeStatusToRun && ed.ID != "" {
			e.enqueueInternalStatus(datatypes.ElementEdge, ed.ID, "", "")
		}
	}

	e.mu.Lock()
	for id := range e.ready {
		delete(e.ready, id)
	}
	e.mu.Unlock()

	e.logger.Info("stop requested", "killed", len(result.Killed), "stopped_nodes", len(result.StoppedNodes))
	return result, nil
}

// =============================================================================
// Idempotency and sidecars
// =============================================================================

// markProcessed records a request id, evicting the oldest entry past the
// window. Returns false when the id was already seen.
func (e *Engine) markProcessed(requestID string) bool {
	if requestID == "" {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.processed[requestID]; seen {
		return false
	}
	e.processed[requestID] = struct{}{}
	e.processedFIFO = append(e.processedFIFO, requestID)
	if len(e.processedFIFO) > maxProcessedRequests {
		oldest := e.processedFIFO[0]
		e.processedFIFO = e.processedFIFO[1:]
		delete(e.processed, oldest)
	}
	return true
}

// writeSidecar persists the request payload under the workspace cache,
// one <request_id>.json per mutation, for post-mortem inspection. Best
// effort.
func (e *Engine) writeSidecar(op *operation) {
	if e.cacheDir == "" || op.payload == nil {
		return
	}
	if err := os.MkdirAll(e.cacheDir, 0o755); err != nil {
		e.logger.Debug("sidecar dir unavailable", "error", err)
		return
	}
	requestID := op.requestID
	if requestID == "" {
		seq := atomic.AddUint64(&e.sidecarSeq, 1)
		requestID = fmt.Sprintf("%s-%06d", op.name, seq)
	}
	data, err := jsonMarshal(op.payload)
	if err != nil {
		return
	}
	path := filepath.Join(e.cacheDir, requestID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Debug("sidecar write failed", "error", err)
	}
}

// =============================================================================
// Workfile watcher
// =============================================================================

// startWatcher warns when the workfile changes on disk outside the
// worker, which usually means a second editor is racing the server.
func (e *Engine) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Warn("workfile watcher unavailable", "error", err)
		return
	}
	if err := w.Add(filepath.Dir(e.store.Path())); err != nil {
		e.logger.Warn("workfile watch failed", "error", err)
		w.Close()
		return
	}
	e.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != e.store.Path() || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				// Writes within a second of our own save are ours.
				last := time.Unix(0, e.lastMutation.Load())
				if time.Since(last) > time.Second {
					e.logger.Warn("workfile changed outside the server", "path", ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.logger.Warn("workfile watcher error", "error", err)
			case <-e.done:
				return
			}
		}
	}()
}
