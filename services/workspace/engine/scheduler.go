// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
	"github.com/workforce-sh/workforce/services/workspace/events"
)

// =============================================================================
// Public enqueue surface
// =============================================================================

// submit pushes an operation through the idempotency window onto the
// queue. A duplicate request id is acknowledged without re-applying.
func (e *Engine) submit(name, requestID string, payload any, apply func() error, react func()) error {
	if !e.markProcessed(requestID) {
		e.logger.Debug("duplicate request skipped", "op", name, "request_id", requestID)
		return ErrDuplicateRequest
	}
	return e.queue.Enqueue(&operation{
		name:      name,
		requestID: requestID,
		payload:   payload,
		apply:     apply,
		react:     react,
	})
}

// EnqueueAddNode queues a node creation.
func (e *Engine) EnqueueAddNode(req datatypes.AddNodeRequest) error {
	status, err := datatypes.ParseNodeStatus(req.Status)
	if err != nil {
		return err
	}
	return e.submit("add_node", req.IdempotencyKey, req, func() error {
		_, err := e.store.AddNode(req.Label, req.X, req.Y, status)
		return err
	}, nil)
}

// EnqueueRemoveNode queues a node removal.
func (e *Engine) EnqueueRemoveNode(req datatypes.RemoveNodeRequest) error {
	return e.submit("remove_node", req.IdempotencyKey, req, func() error {
		return e.store.RemoveNode(req.NodeID)
	}, nil)
}

// EnqueueAddEdge queues an edge creation.
func (e *Engine) EnqueueAddEdge(req datatypes.AddEdgeRequest) error {
	edgeType, err := datatypes.ParseEdgeType(req.EdgeType)
	if err != nil {
		return err
	}
	return e.submit("add_edge", req.IdempotencyKey, req, func() error {
		_, err := e.store.AddEdge(req.Source, req.Target, edgeType)
		return err
	}, nil)
}

// EnqueueRemoveEdge queues an edge removal.
func (e *Engine) EnqueueRemoveEdge(req datatypes.RemoveEdgeRequest) error {
	return e.submit("remove_edge", req.IdempotencyKey, req, func() error {
		return e.store.RemoveEdge(req.Source, req.Target)
	}, nil)
}

// EnqueueEditEdgeType queues an edge type change.
func (e *Engine) EnqueueEditEdgeType(req datatypes.EditEdgeTypeRequest) error {
	edgeType, err := datatypes.ParseEdgeType(req.EdgeType)
	if err != nil {
		return err
	}
	return e.submit("edit_edge_type", req.IdempotencyKey, req, func() error {
		return e.store.EditEdgeType(req.Source, req.Target, edgeType)
	}, nil)
}

// EnqueueEditStatus queues a status edit. A run id on the request binds
// the element to that run before the edit applies, so completion
// tracking never misses an in-flight element.
func (e *Engine) EnqueueEditStatus(req datatypes.EditStatusRequest) error {
	kind, err := datatypes.ParseElementKind(req.ElementType)
	if err != nil {
		return err
	}
	if err := validateStatusValue(kind, req.Value); err != nil {
		return err
	}
	e.bindRun(kind, req.ElementID, req.RunID)
	return e.submit("edit_status", req.IdempotencyKey, req, func() error {
		return e.store.EditStatus(kind, req.ElementID, req.Value)
	}, func() {
		e.reactStatus(kind, req.ElementID, req.Value)
	})
}

// EnqueueEditStatuses queues a batch status edit. The batch applies
// atomically; reactions run per update, in order, after it lands.
func (e *Engine) EnqueueEditStatuses(req datatypes.EditStatusesRequest) error {
	for _, u := range req.Updates {
		kind, err := datatypes.ParseElementKind(u.ElementType)
		if err != nil {
			return err
		}
		if err := validateStatusValue(kind, u.Value); err != nil {
			return err
		}
	}
	return e.submit("edit_statuses", req.IdempotencyKey, req, func() error {
		_, err := e.store.EditStatuses(req.Updates)
		return err
	}, func() {
		for _, u := range req.Updates {
			kind, _ := datatypes.ParseElementKind(u.ElementType)
			e.reactStatus(kind, u.ElementID, u.Value)
		}
	})
}

// EnqueueEditNodePosition queues a node move.
func (e *Engine) EnqueueEditNodePosition(req datatypes.EditNodePositionRequest) error {
	return e.submit("edit_node_position", req.IdempotencyKey, req, func() error {
		return e.store.EditNodePosition(req.NodeID, req.X, req.Y)
	}, nil)
}

// EnqueueEditNodePositions queues a batch node move. Missing ids are
// logged, valid ones apply.
func (e *Engine) EnqueueEditNodePositions(req datatypes.EditNodePositionsRequest) error {
	return e.submit("edit_node_positions", req.IdempotencyKey, req, func() error {
		_, missing, err := e.store.EditNodePositions(req.Positions)
		if len(missing) > 0 {
			e.logger.Warn("position edit skipped unknown nodes", "missing", missing)
		}
		return err
	}, nil)
}

// EnqueueEditWrapper queues a wrapper template change.
func (e *Engine) EnqueueEditWrapper(req datatypes.EditWrapperRequest) error {
	return e.submit("edit_wrapper", req.IdempotencyKey, req, func() error {
		return e.store.EditWrapper(req.Wrapper)
	}, nil)
}

// EnqueueEditNodeLabel queues a command text change.
func (e *Engine) EnqueueEditNodeLabel(req datatypes.EditNodeLabelRequest) error {
	return e.submit("edit_node_label", req.IdempotencyKey, req, func() error {
		return e.store.EditNodeLabel(req.NodeID, req.Label)
	}, nil)
}

// EnqueueSaveNodeLog queues an execution record write. Requests carrying
// only the legacy log field land in the legacy attribute.
func (e *Engine) EnqueueSaveNodeLog(req datatypes.SaveNodeLogRequest) error {
	structured := req.Command != "" || req.Stdout != "" || req.Stderr != "" ||
		req.PID != "" || req.ErrorCode != ""
	return e.submit("save_node_log", req.IdempotencyKey, req, func() error {
		if !structured && req.Log != "" {
			return e.store.SaveNodeLog(req.NodeID, req.Log)
		}
		return e.store.SaveNodeExecutionData(req.NodeID, req.Command, req.Stdout,
			req.Stderr, string(req.PID), string(req.ErrorCode))
	}, nil)
}

// EnqueueRemoveNodeLogs queues an execution record wipe.
func (e *Engine) EnqueueRemoveNodeLogs(req datatypes.RemoveNodeLogsRequest) error {
	return e.submit("remove_node_logs", req.IdempotencyKey, req, func() error {
		_, err := e.store.RemoveNodeLogs(req.NodeIDs)
		return err
	}, nil)
}

func validateStatusValue(kind datatypes.ElementKind, value string) error {
	switch kind {
	case datatypes.ElementNode:
		_, err := datatypes.ParseNodeStatus(value)
		return err
	case datatypes.ElementEdge:
		_, err := datatypes.ParseEdgeStatus(value)
		return err
	}
	return fmt.Errorf("element kind must be node or edge, got %q", kind)
}

// =============================================================================
// Runs
// =============================================================================

// StartRun validates and registers a run, queues its kickoff, and
// returns the run id. Full runs start from the untouched roots; subset
// runs touch only the selection; resume runs re-fire the failed nodes.
func (e *Engine) StartRun(req datatypes.RunRequest) (string, error) {
	g, err := e.store.Load()
	if err != nil {
		return "", err
	}

	var (
		selection  map[string]bool
		roots      []string
		clearRoots []string
		fullRun    bool
	)
	switch {
	case len(req.Nodes) > 0:
		selection = make(map[string]bool, len(req.Nodes))
		for _, id := range req.Nodes {
			if g.NodeByID(id) == nil {
				return "", fmt.Errorf("%w: %s", ErrRunUnknownNode, id)
			}
			selection[id] = true
		}
		if g.HasBlockingCycle(selection) {
			return "", ErrBlockedCycle
		}
		roots = g.SubgraphRoots(selection)
	case req.ResumeFailed:
		selection = make(map[string]bool)
		var frontier []string
		for _, n := range g.Nodes {
			if n.Status == datatypes.NodeStatusFail {
				selection[n.ID] = true
				roots = append(roots, n.ID)
				frontier = append(frontier, n.ID)
			}
		}
		// Everything downstream of a failed node is in scope: a resume
		// re-fires the failures and walks the rest of the pipeline.
		for len(frontier) > 0 {
			id := frontier[0]
			frontier = frontier[1:]
			for _, ed := range g.OutEdges(id) {
				if !selection[ed.Target] {
					selection[ed.Target] = true
					frontier = append(frontier, ed.Target)
				}
			}
		}
		if g.HasBlockingCycle(selection) {
			return "", ErrBlockedCycle
		}
	default:
		if g.HasBlockingCycle(nil) {
			return "", ErrBlockedCycle
		}
		fullRun = true
		selection = make(map[string]bool, len(g.Nodes))
		for _, n := range g.Nodes {
			selection[n.ID] = true
		}
		// Only roots with no status kick off; a root carrying ran or fail
		// keeps its result. When every root has settled, the pipeline is
		// being re-run: clear the roots and start them all.
		allRoots := g.Roots()
		for _, id := range allRoots {
			if n := g.NodeByID(id); n != nil && n.Status == datatypes.NodeStatusNone {
				roots = append(roots, id)
			}
		}
		if len(roots) == 0 {
			roots = allRoots
			clearRoots = allRoots
		}
	}

	r := &run{
		id:         uuid.NewString(),
		nodes:      selection,
		subsetOnly: !fullRun,
		startedAt:  time.Now(),
	}
	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()

	err = e.submit("start_run", "", req, func() error {
		if len(clearRoots) == 0 {
			return nil
		}
		updates := make([]datatypes.StatusUpdate, 0, len(clearRoots))
		for _, id := range clearRoots {
			updates = append(updates, datatypes.StatusUpdate{
				ElementType: string(datatypes.ElementNode),
				ElementID:   id,
			})
		}
		_, err := e.store.EditStatuses(updates)
		return err
	}, func() {
		for _, root := range roots {
			e.trigger(root, r.id)
		}
	})
	if err != nil {
		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
		return "", err
	}
	e.logger.Info("run started", "run_id", r.id, "subset_only", r.subsetOnly,
		"roots", len(roots), "nodes", len(selection))
	return r.id, nil
}

// =============================================================================
// Scheduling reactions
// =============================================================================

// bindRun records which run owns an element before its status edit
// applies.
func (e *Engine) bindRun(kind datatypes.ElementKind, id, runID string) {
	if runID == "" || id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case datatypes.ElementNode:
		e.activeNodeRun[id] = runID
	case datatypes.ElementEdge:
		e.edgeRunMap[id] = runID
	}
}

// enqueueInternalStatus queues a scheduler-originated status edit. These
// bypass the idempotency window; dedup for node kickoffs happens in
// trigger.
func (e *Engine) enqueueInternalStatus(kind datatypes.ElementKind, id, value, runID string) {
	e.bindRun(kind, id, runID)
	err := e.queue.Enqueue(&operation{
		name: "edit_status",
		apply: func() error {
			return e.store.EditStatus(kind, id, value)
		},
		react: func() {
			e.reactStatus(kind, id, value)
		},
	})
	if err != nil {
		e.logger.Warn("internal status edit dropped", "kind", kind, "id", id, "error", err)
	}
}

// trigger queues a node for execution exactly once per outstanding
// NODE_READY cycle. Two edges completing into the same node in quick
// succession collapse into one kickoff.
func (e *Engine) trigger(nodeID, runID string) {
	e.mu.Lock()
	if _, outstanding := e.ready[nodeID]; outstanding {
		e.mu.Unlock()
		return
	}
	e.ready[nodeID] = readyQueued
	e.mu.Unlock()
	e.enqueueInternalStatus(datatypes.ElementNode, nodeID, string(datatypes.NodeStatusRun), runID)
}

// clearReady drops the outstanding NODE_READY marker for a node.
func (e *Engine) clearReady(nodeID string) {
	e.mu.Lock()
	delete(e.ready, nodeID)
	e.mu.Unlock()
}

// reactStatus advances scheduling after a status edit applied. Runs on
// the worker goroutine.
func (e *Engine) reactStatus(kind datatypes.ElementKind, id, value string) {
	switch kind {
	case datatypes.ElementNode:
		e.reactNodeStatus(id, datatypes.NodeStatus(value))
	case datatypes.ElementEdge:
		if datatypes.EdgeStatus(value) == datatypes.EdgeStatusToRun {
			g, err := e.store.Load()
			if err != nil {
				e.logger.Error("edge reaction load failed", "error", err)
				return
			}
			if ed := g.EdgeByID(id); ed != nil {
				e.reactEdgeToRun(g, ed)
			}
		}
	}
}

func (e *Engine) reactNodeStatus(nodeID string, status datatypes.NodeStatus) {
	e.mu.Lock()
	runID := e.activeNodeRun[nodeID]
	e.mu.Unlock()

	switch status {
	case datatypes.NodeStatusRun:
		e.notifyReady(nodeID, runID)

	case datatypes.NodeStatusRunning:
		e.clearReady(nodeID)
		e.bus.Emit(events.NodeStarted, map[string]any{
			"workspace_id": e.workspaceID,
			"node_id":      nodeID,
			"run_id":       runID,
		})

	case datatypes.NodeStatusRan:
		e.clearReady(nodeID)
		e.bus.Emit(events.NodeFinished, map[string]any{
			"workspace_id": e.workspaceID,
			"node_id":      nodeID,
			"run_id":       runID,
		})
		e.propagateCompletion(nodeID, runID)

	case datatypes.NodeStatusFail:
		// Failure stops here: out-edges never fire.
		e.clearReady(nodeID)
		e.bus.Emit(events.NodeFailed, map[string]any{
			"workspace_id": e.workspaceID,
			"node_id":      nodeID,
			"run_id":       runID,
		})
	}
}

// notifyReady emits NODE_READY once per outstanding kickoff, with the
// node label so runners need no extra round trip.
func (e *Engine) notifyReady(nodeID, runID string) {
	e.mu.Lock()
	if e.ready[nodeID] == readyNotified {
		e.mu.Unlock()
		return
	}
	e.ready[nodeID] = readyNotified
	e.mu.Unlock()

	g, err := e.store.Load()
	if err != nil {
		e.logger.Error("ready notification load failed", "error", err)
		return
	}
	n := g.NodeByID(nodeID)
	if n == nil {
		e.clearReady(nodeID)
		return
	}
	e.bus.Emit(events.NodeReady, map[string]any{
		"workspace_id": e.workspaceID,
		"node_id":      nodeID,
		"run_id":       runID,
		"label":        n.Label,
	})
}

// propagateCompletion marks the out-edges of a finished node as
// carrying a pending completion. A subset run never reaches past its
// selection: edges into unselected nodes stay untouched. Edges from
// hand-written workfiles get ids assigned on first touch.
func (e *Engine) propagateCompletion(nodeID, runID string) {
	g, err := e.store.Load()
	if err != nil {
		e.logger.Error("completion propagation load failed", "error", err)
		return
	}
	out := g.OutEdges(nodeID)

	e.mu.Lock()
	if r, ok := e.runs[runID]; ok && r.subsetOnly {
		inScope := out[:0]
		for _, ed := range out {
			if r.nodes[ed.Target] {
				inScope = append(inScope, ed)
			}
		}
		out = inScope
	}
	e.mu.Unlock()
	if len(out) == 0 {
		return
	}
	if err := e.ensureEdgeIDs(g, out); err != nil {
		e.logger.Error("edge id assignment failed", "error", err)
		return
	}
	for _, ed := range out {
		e.enqueueInternalStatus(datatypes.ElementEdge, ed.ID, string(datatypes.EdgeStatusToRun), runID)
	}
}

// reactEdgeToRun decides whether a pending edge completion fires its
// target.
//
// A target already queued or running absorbs nothing; the edge keeps its
// pending completion and is re-examined when the queue next falls idle.
// A completed target may fire again, which is what makes re-running a
// pipeline segment work. Non-blocking edges fire alone and clear only
// themselves; a blocking edge fires when every blocking in-edge of the
// target holds a completion, and clears them all.
func (e *Engine) reactEdgeToRun(g *datatypes.Graph, ed *datatypes.Edge) {
	target := g.NodeByID(ed.Target)
	if target == nil {
		if ed.ID != "" {
			e.enqueueInternalStatus(datatypes.ElementEdge, ed.ID, "", "")
		}
		return
	}

	e.mu.Lock()
	_, targetOutstanding := e.ready[target.ID]
	runID := e.edgeRunMap[ed.ID]
	e.mu.Unlock()
	if targetOutstanding {
		return
	}
	if target.Status == datatypes.NodeStatusRun || target.Status == datatypes.NodeStatusRunning {
		return
	}

	if ed.Type == datatypes.EdgeTypeNonBlocking {
		e.enqueueInternalStatus(datatypes.ElementEdge, ed.ID, "", "")
		e.trigger(target.ID, runID)
		return
	}

	var blocking []*datatypes.Edge
	for _, in := range g.InEdges(target.ID) {
		if in.Type == datatypes.EdgeTypeBlocking {
			if in.Status != datatypes.EdgeStatusToRun {
				return
			}
			blocking = append(blocking, in)
		}
	}
	if err := e.ensureEdgeIDs(g, blocking); err != nil {
		e.logger.Error("edge id assignment failed", "error", err)
		return
	}
	for _, in := range blocking {
		e.enqueueInternalStatus(datatypes.ElementEdge, in.ID, "", "")
	}
	e.trigger(target.ID, runID)
}

// ensureEdgeIDs assigns ids to any of the given edges that lack one,
// persisting once. The in-memory edges are updated in place.
func (e *Engine) ensureEdgeIDs(g *datatypes.Graph, edges []*datatypes.Edge) error {
	var pairs [][2]string
	for _, ed := range edges {
		if ed.ID == "" {
			pairs = append(pairs, [2]string{ed.Source, ed.Target})
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	assigned, err := e.store.AssignEdgeIDs(pairs)
	if err != nil {
		return err
	}
	for _, ed := range edges {
		if ed.ID == "" {
			if id, ok := assigned[[2]string{ed.Source, ed.Target}]; ok {
				g.SetEdgeID(ed, id)
			}
		}
	}
	return nil
}
